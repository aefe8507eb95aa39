package domain

import (
	"fmt"
	"math"
	"strings"
)

type InputType string

const (
	InputMouseMove   InputType = "mouse_move"
	InputMouseDown   InputType = "mouse_down"
	InputMouseUp     InputType = "mouse_up"
	InputMouseClick  InputType = "mouse_click"
	InputMouseScroll InputType = "mouse_scroll"
	InputKeyDown     InputType = "key_down"
	InputKeyUp       InputType = "key_up"
	InputKeyPress    InputType = "key_press"
)

type MouseButton string

const (
	ButtonLeft   MouseButton = "left"
	ButtonRight  MouseButton = "right"
	ButtonMiddle MouseButton = "middle"
)

type Modifiers struct {
	Ctrl  bool `json:"ctrl,omitempty"`
	Alt   bool `json:"alt,omitempty"`
	Shift bool `json:"shift,omitempty"`
	Meta  bool `json:"meta,omitempty"`
}

// InputEvent is one remote input frame. Pointer coordinates are relative to the
// shared surface, 0..1 on both axes.
type InputEvent struct {
	Type      InputType   `json:"type"`
	Button    MouseButton `json:"button,omitempty"`
	X         float64     `json:"x,omitempty"`
	Y         float64     `json:"y,omitempty"`
	DeltaX    float64     `json:"delta_x,omitempty"`
	DeltaY    float64     `json:"delta_y,omitempty"`
	Key       string      `json:"key,omitempty"`
	Modifiers Modifiers   `json:"modifiers,omitempty"`
}

func (e InputEvent) Validate() error {
	switch e.Type {
	case InputMouseMove:
		return e.validatePoint()
	case InputMouseDown, InputMouseUp, InputMouseClick:
		switch e.Button {
		case ButtonLeft, ButtonRight, ButtonMiddle:
		default:
			return fmt.Errorf("%w: unknown button %q", ErrInvalidInputEvent, e.Button)
		}
		return e.validatePoint()
	case InputMouseScroll:
		if math.IsNaN(e.DeltaX) || math.IsNaN(e.DeltaY) {
			return fmt.Errorf("%w: scroll delta is NaN", ErrInvalidInputEvent)
		}
	case InputKeyDown, InputKeyUp, InputKeyPress:
		if strings.TrimSpace(e.Key) == "" {
			return fmt.Errorf("%w: missing key", ErrInvalidInputEvent)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidInputEvent, e.Type)
	}
	return nil
}

func (e InputEvent) validatePoint() error {
	if math.IsNaN(e.X) || math.IsNaN(e.Y) {
		return fmt.Errorf("%w: coordinate is NaN", ErrInvalidInputEvent)
	}
	return nil
}

// ToAbsolute maps relative coordinates onto a width x height surface, clamped to
// its bounds.
func (e InputEvent) ToAbsolute(width, height int) (int, int) {
	x := int(e.X * float64(width))
	y := int(e.Y * float64(height))
	return clamp(x, 0, width), clamp(y, 0, height)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
