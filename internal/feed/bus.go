package feed

import (
	"context"
	"errors"
	"time"

	"github.com/loqalabs/fingerspell/internal/bus"
	"github.com/loqalabs/fingerspell/internal/protocol"
)

// BusFeed asks a classifier attached to the NATS bus for its current label.
type BusFeed struct {
	client    *bus.Client
	subject   string
	sessionID string
}

func NewBusFeed(client *bus.Client, subject, sessionID string) *BusFeed {
	if subject == "" {
		subject = protocol.SubjectSymbolPoll
	}
	return &BusFeed{client: client, subject: subject, sessionID: sessionID}
}

func (f *BusFeed) Poll(ctx context.Context) (Symbol, error) {
	req := protocol.SymbolRequest{SessionID: f.sessionID, Timestamp: time.Now().UTC()}
	var reply protocol.SymbolReply
	if err := f.client.RequestJSON(ctx, f.subject, req, &reply); err != nil {
		return "", err
	}
	if reply.Error != "" {
		return "", errors.New(reply.Error)
	}
	return Symbol(reply.Symbol), nil
}
