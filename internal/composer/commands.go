package composer

import (
	"errors"
	"fmt"

	"github.com/loqalabs/fingerspell/internal/protocol"
)

var ErrUnknownAction = errors.New("unknown action")

// Apply dispatches a command received from a remote surface (bus, websocket).
func (c *Controller) Apply(cmd protocol.Command) (Snapshot, error) {
	switch cmd.Action {
	case protocol.ActionClear:
		return c.Clear(), nil
	case protocol.ActionDelete:
		return c.DeleteAtCaret(), nil
	case protocol.ActionDeleteSelection:
		return c.DeleteSelection(), nil
	case protocol.ActionSpace:
		return c.InsertSpace(), nil
	case protocol.ActionInsert:
		return c.Insert(cmd.Text), nil
	case protocol.ActionSelect:
		return c.Select(cmd.CaretStart, cmd.CaretEnd), nil
	case protocol.ActionEdit:
		return c.EditText(cmd.Text, cmd.CaretStart, cmd.CaretEnd), nil
	case protocol.ActionSpeak:
		snap, _ := c.Speak()
		return snap, nil
	case protocol.ActionCancelSpeech:
		return c.CancelSpeech(), nil
	case protocol.ActionToggle:
		return c.ToggleIngestion(), nil
	case protocol.ActionSetIngestion:
		if cmd.Enabled == nil {
			return c.Snapshot(), errors.New("set-ingestion requires enabled")
		}
		return c.SetIngestion(*cmd.Enabled), nil
	default:
		return c.Snapshot(), fmt.Errorf("%w: %q", ErrUnknownAction, cmd.Action)
	}
}
