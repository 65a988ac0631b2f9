package canvas

import (
	"encoding/json"
	"fmt"
)

// JSON frame protocol spoken between `RemoteStore` and canvasd.
// shape and presence payloads are the whole documents stored in the
// collections, so the wire format and the store format are the same

type FrameType string

const (
	FrameTypeAuth           FrameType = "auth"
	FrameTypeAuthOk         FrameType = "auth_ok"
	FrameTypeError          FrameType = "error"
	FrameTypeSub            FrameType = "sub"
	FrameTypeSnapshotEnd    FrameType = "snapshot_end"
	FrameTypeShapePut       FrameType = "shape_put"
	FrameTypeShapeRemove    FrameType = "shape_remove"
	FrameTypePresencePut    FrameType = "presence_put"
	FrameTypePresenceRemove FrameType = "presence_remove"
	FrameTypePing           FrameType = "ping"
)

const (
	ErrorCodePermissionDenied = "permission_denied"
	ErrorCodeUnavailable      = "unavailable"
	ErrorCodeMalformedRecord  = "malformed_record"
)

type AuthFrame struct {
	ByJwt      string `json:"by_jwt"`
	AppVersion string `json:"app_version,omitempty"`
}

type ErrorFrame struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

func (self *ErrorFrame) Err() error {
	switch self.Code {
	case ErrorCodePermissionDenied:
		return fmt.Errorf("%w: %s", ErrPermissionDenied, self.Message)
	case ErrorCodeMalformedRecord:
		return fmt.Errorf("%w: %s", ErrMalformedRecord, self.Message)
	default:
		return fmt.Errorf("%w: %s %s", ErrUnavailable, self.Code, self.Message)
	}
}

func ErrorFrameFor(err error) *ErrorFrame {
	code := ErrorCodeUnavailable
	switch {
	case IsPermissionDenied(err):
		code = ErrorCodePermissionDenied
	case IsMalformedRecord(err):
		code = ErrorCodeMalformedRecord
	}
	return &ErrorFrame{
		Code:    code,
		Message: err.Error(),
	}
}

type Frame struct {
	Type FrameType `json:"type"`

	Auth  *AuthFrame  `json:"auth,omitempty"`
	Error *ErrorFrame `json:"error,omitempty"`

	Shape      *Shape     `json:"shape,omitempty"`
	ShapeId    *Id        `json:"shape_id,omitempty"`
	UpdateTime UpdateTime `json:"update_time,omitempty"`

	Presence     *PresenceRecord `json:"presence,omitempty"`
	PresenceKind PresenceKind    `json:"presence_kind,omitempty"`
	UserId       *Id             `json:"user_id,omitempty"`
}

// checks the payload required for the frame type is present
func (self *Frame) check() error {
	switch self.Type {
	case FrameTypeAuth:
		if self.Auth == nil {
			return fmt.Errorf("auth frame missing auth")
		}
	case FrameTypeError:
		if self.Error == nil {
			return fmt.Errorf("error frame missing error")
		}
	case FrameTypeShapePut:
		if self.Shape == nil {
			return fmt.Errorf("shape_put frame missing shape")
		}
	case FrameTypeShapeRemove:
		if self.ShapeId == nil {
			return fmt.Errorf("shape_remove frame missing shape_id")
		}
	case FrameTypePresencePut:
		if self.Presence == nil {
			return fmt.Errorf("presence_put frame missing presence")
		}
	case FrameTypePresenceRemove:
		if self.UserId == nil || self.PresenceKind == "" {
			return fmt.Errorf("presence_remove frame missing user_id or presence_kind")
		}
	case FrameTypeAuthOk, FrameTypeSub, FrameTypeSnapshotEnd, FrameTypePing:
	default:
		return fmt.Errorf("unknown frame type: %s", self.Type)
	}
	return nil
}

func EncodeFrame(frame *Frame) ([]byte, error) {
	if err := frame.check(); err != nil {
		return nil, err
	}
	return json.Marshal(frame)
}

func RequireEncodeFrame(frame *Frame) []byte {
	b, err := EncodeFrame(frame)
	if err != nil {
		panic(err)
	}
	return b
}

// raw form so the shape payload can be checked against the per-kind
// required field set as it appeared on the wire
type frameRecord struct {
	Type FrameType `json:"type"`

	Auth  *AuthFrame  `json:"auth,omitempty"`
	Error *ErrorFrame `json:"error,omitempty"`

	Shape      json.RawMessage `json:"shape,omitempty"`
	ShapeId    *Id             `json:"shape_id,omitempty"`
	UpdateTime UpdateTime      `json:"update_time,omitempty"`

	Presence     *PresenceRecord `json:"presence,omitempty"`
	PresenceKind PresenceKind    `json:"presence_kind,omitempty"`
	UserId       *Id             `json:"user_id,omitempty"`
}

func DecodeFrame(b []byte) (*Frame, error) {
	record := &frameRecord{}
	if err := json.Unmarshal(b, record); err != nil {
		return nil, err
	}
	frame := &Frame{
		Type:         record.Type,
		Auth:         record.Auth,
		Error:        record.Error,
		ShapeId:      record.ShapeId,
		UpdateTime:   record.UpdateTime,
		Presence:     record.Presence,
		PresenceKind: record.PresenceKind,
		UserId:       record.UserId,
	}
	if record.Shape != nil {
		shape, err := DecodeShape(record.Shape)
		if err != nil {
			return nil, err
		}
		frame.Shape = shape
	}
	if err := frame.check(); err != nil {
		return nil, err
	}
	return frame, nil
}
