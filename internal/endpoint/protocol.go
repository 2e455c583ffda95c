package endpoint

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"wemoemu/internal/device"
)

var (
	// ErrMalformedRequest is returned when a control request carries no
	// usable BinaryState value.
	ErrMalformedRequest = errors.New("malformed control request")

	// ErrUnsupportedAction is returned for SOAP actions other than
	// SetBinaryState and GetBinaryState.
	ErrUnsupportedAction = errors.New("unsupported control action")
)

const (
	actionSetBinaryState = "SetBinaryState"
	actionGetBinaryState = "GetBinaryState"
)

var binaryStateElement = regexp.MustCompile(`(?s)<BinaryState>(.*?)</BinaryState>`)

// ParseCommand turns one control request into a device action.
//
// The SOAPACTION header wins when present. Some controllers put the action
// only in the envelope, so without a header the body is searched for the
// action name, and a bare BinaryState element is read as a set request.
func ParseCommand(soapAction string, body []byte) (device.Action, error) {
	name := actionFromHeader(soapAction)
	if name == "" {
		name = actionFromBody(body)
	}

	switch name {
	case actionGetBinaryState:
		return device.ActionGetState, nil
	case actionSetBinaryState:
		return parseBinaryState(body)
	case "":
		return "", fmt.Errorf("%w: no action in request", ErrUnsupportedAction)
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedAction, name)
	}
}

// actionFromHeader extracts the action from a header such as
// "urn:Belkin:service:basicevent:1#SetBinaryState".
func actionFromHeader(header string) string {
	header = strings.Trim(strings.TrimSpace(header), `"`)
	if header == "" {
		return ""
	}
	if i := strings.LastIndexByte(header, '#'); i >= 0 {
		return header[i+1:]
	}
	return header
}

func actionFromBody(body []byte) string {
	switch {
	case bytes.Contains(body, []byte(actionGetBinaryState)):
		return actionGetBinaryState
	case bytes.Contains(body, []byte(actionSetBinaryState)):
		return actionSetBinaryState
	case binaryStateElement.Match(body):
		return actionSetBinaryState
	}
	return ""
}

func parseBinaryState(body []byte) (device.Action, error) {
	m := binaryStateElement.FindSubmatch(body)
	if m == nil {
		return "", fmt.Errorf("%w: missing BinaryState", ErrMalformedRequest)
	}
	switch value := strings.TrimSpace(string(m[1])); value {
	case "1":
		return device.ActionOn, nil
	case "0":
		return device.ActionOff, nil
	default:
		return "", fmt.Errorf("%w: BinaryState %q", ErrMalformedRequest, value)
	}
}
