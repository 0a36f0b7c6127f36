// Package controlchannel is the Control Channel (spec §4.7): a separate
// per-session websocket endpoint that translates mouse/keyboard/wheel
// messages into browser input commands, rate-limited and bounded-lifetime.
package controlchannel

import (
	"context"
	"fmt"

	"github.com/hazyhaar/visualcore/browsersession"
)

// maxCoord is the inclusive coordinate bound spec §4.7 imposes on x/y.
const maxCoord = 10000

// envelope is the outer wrapper every control message arrives in.
type envelope struct {
	SessionID string  `json:"session_id"`
	Message   command `json:"message"`
}

// command is the union of every accepted message.type shape (spec §4.7's
// table). Unused fields for a given type/action are simply absent from the
// incoming JSON and stay at their zero value.
type command struct {
	Type   string `json:"type"`
	Action string `json:"action"`

	X *float64 `json:"x"`
	Y *float64 `json:"y"`

	Button     string `json:"button"`
	ClickCount int    `json:"clickCount"`

	DeltaX float64 `json:"deltaX"`
	DeltaY float64 `json:"deltaY"`

	Key  string `json:"key"`
	Code string `json:"code"`
}

func validCoord(v *float64) bool {
	return v != nil && *v >= 0 && *v <= maxCoord
}

func mouseButton(s string) browsersession.MouseButton {
	switch s {
	case "right":
		return browsersession.ButtonRight
	case "middle":
		return browsersession.ButtonMiddle
	default:
		return browsersession.ButtonLeft
	}
}

// dispatch validates and executes one command against session, per the
// action table in spec §4.7. A validation failure comes back as an *Error
// of kind invalid_message; an error from the browser controller is
// returned as it is, and handleCommand reports it as execution_failed.
func dispatch(ctx context.Context, session browsersession.BrowserSession, cmd command) error {
	switch cmd.Type {
	case "mouse":
		return dispatchMouse(ctx, session.Mouse(), cmd)
	case "wheel":
		return dispatchWheel(ctx, session.Mouse(), cmd)
	case "keyboard":
		return dispatchKeyboard(ctx, session.Keyboard(), cmd)
	default:
		return &Error{Kind: ErrInvalidMessage, Err: fmt.Errorf("unknown command type %q", cmd.Type)}
	}
}

func dispatchMouse(ctx context.Context, mouse browsersession.MouseController, cmd command) error {
	button := mouseButton(cmd.Button)

	switch cmd.Action {
	case "click":
		if !validCoord(cmd.X) || !validCoord(cmd.Y) {
			return &Error{Kind: ErrInvalidMessage, Err: fmt.Errorf("mouse click: coordinates out of bounds")}
		}
		if cmd.ClickCount >= 2 {
			return mouse.DblClick(ctx, *cmd.X, *cmd.Y, button)
		}
		return mouse.Click(ctx, *cmd.X, *cmd.Y, button)

	case "move":
		if !validCoord(cmd.X) || !validCoord(cmd.Y) {
			return &Error{Kind: ErrInvalidMessage, Err: fmt.Errorf("mouse move: coordinates out of bounds")}
		}
		return mouse.Move(ctx, *cmd.X, *cmd.Y)

	case "down":
		if !validCoord(cmd.X) || !validCoord(cmd.Y) {
			return &Error{Kind: ErrInvalidMessage, Err: fmt.Errorf("mouse down: coordinates out of bounds")}
		}
		if err := mouse.Move(ctx, *cmd.X, *cmd.Y); err != nil {
			return err
		}
		return mouse.Down(ctx, button)

	case "up":
		return mouse.Up(ctx, button)

	case "dblclick":
		if !validCoord(cmd.X) || !validCoord(cmd.Y) {
			return &Error{Kind: ErrInvalidMessage, Err: fmt.Errorf("mouse dblclick: coordinates out of bounds")}
		}
		return mouse.DblClick(ctx, *cmd.X, *cmd.Y, button)

	default:
		return &Error{Kind: ErrInvalidMessage, Err: fmt.Errorf("unknown mouse action %q", cmd.Action)}
	}
}

func dispatchWheel(ctx context.Context, mouse browsersession.MouseController, cmd command) error {
	if !validCoord(cmd.X) || !validCoord(cmd.Y) {
		return &Error{Kind: ErrInvalidMessage, Err: fmt.Errorf("wheel: coordinates out of bounds")}
	}
	return mouse.Wheel(ctx, *cmd.X, *cmd.Y, cmd.DeltaX, cmd.DeltaY)
}

func dispatchKeyboard(ctx context.Context, kb browsersession.KeyboardController, cmd command) error {
	switch cmd.Action {
	case "down":
		if cmd.Key == "" {
			return &Error{Kind: ErrInvalidMessage, Err: fmt.Errorf("keyboard down: missing key")}
		}
		if len([]rune(cmd.Key)) == 1 {
			return kb.Press(ctx, cmd.Key)
		}
		return kb.Down(ctx, cmd.Key)

	case "up":
		if cmd.Key == "" {
			return &Error{Kind: ErrInvalidMessage, Err: fmt.Errorf("keyboard up: missing key")}
		}
		return kb.Up(ctx, cmd.Key)

	default:
		return &Error{Kind: ErrInvalidMessage, Err: fmt.Errorf("unknown keyboard action %q", cmd.Action)}
	}
}

// keyCategory reports "single_char" or "named" for log redaction (spec
// §4.7: keystrokes must never be logged in cleartext).
func keyCategory(key string) string {
	if len([]rune(key)) == 1 {
		return "single_char"
	}
	return "named"
}
