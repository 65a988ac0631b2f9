package canvas

import (
	"encoding/json"
	"fmt"

	"golang.org/x/exp/slices"
)

type ShapeKind string

const (
	ShapeKindRectangle ShapeKind = "rectangle"
	ShapeKindCircle    ShapeKind = "circle"
	ShapeKindLine      ShapeKind = "line"
	ShapeKindText      ShapeKind = "text"
)

// a single document in the workspace shape collection.
// geometry fields are required per kind, see `requiredFields`.
// `UpdatedAt` orders concurrent versions of the same id and is not wall-clock display time.
// `UpdatedBy` is the writing session id, used only to break exact `UpdatedAt` ties.
type Shape struct {
	ShapeId     Id        `json:"shape_id"`
	WorkspaceId Id        `json:"workspace_id"`
	Kind        ShapeKind `json:"kind"`

	// geometry fields required by some kind are never omitted when zero,
	// so an encoded document always passes its own kind's required set
	X float64 `json:"x"`
	Y float64 `json:"y"`
	// rectangle
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	// circle
	Radius float64 `json:"radius"`
	// line endpoint
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
	// text
	Text     string  `json:"text"`
	TextSize float64 `json:"text_size"`

	Fill        string  `json:"fill,omitempty"`
	StrokeColor string  `json:"stroke,omitempty"`
	StrokeWidth float64 `json:"stroke_width,omitempty"`
	Rotation    float64 `json:"rotation,omitempty"`
	ZIndex      int     `json:"z_index,omitempty"`

	CreatedBy Id         `json:"created_by"`
	CreatedAt UpdateTime `json:"created_at"`

	UpdatedAt UpdateTime `json:"updated_at"`
	UpdatedBy string     `json:"updated_by"`
}

func (self *Shape) Copy() *Shape {
	shapeCopy := *self
	return &shapeCopy
}

func (self *Shape) Validate() error {
	switch self.Kind {
	case ShapeKindRectangle, ShapeKindCircle, ShapeKindLine, ShapeKindText:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformedRecord, self.Kind)
	}
	if self.ShapeId.IsZero() {
		return fmt.Errorf("%w: missing shape_id", ErrMalformedRecord)
	}
	if self.WorkspaceId.IsZero() {
		return fmt.Errorf("%w: missing workspace_id", ErrMalformedRecord)
	}
	return nil
}

// raw form used to enforce the per-kind required field set at decode time
type shapeRecord struct {
	ShapeId     *Id        `json:"shape_id"`
	WorkspaceId *Id        `json:"workspace_id"`
	Kind        *ShapeKind `json:"kind"`

	X        *float64 `json:"x"`
	Y        *float64 `json:"y"`
	Width    *float64 `json:"width"`
	Height   *float64 `json:"height"`
	Radius   *float64 `json:"radius"`
	X2       *float64 `json:"x2"`
	Y2       *float64 `json:"y2"`
	Text     *string  `json:"text"`
	TextSize *float64 `json:"text_size"`

	Fill        *string  `json:"fill"`
	StrokeColor *string  `json:"stroke"`
	StrokeWidth *float64 `json:"stroke_width"`
	Rotation    *float64 `json:"rotation"`
	ZIndex      *int     `json:"z_index"`

	CreatedBy *Id         `json:"created_by"`
	CreatedAt *UpdateTime `json:"created_at"`
	UpdatedAt *UpdateTime `json:"updated_at"`
	UpdatedBy *string     `json:"updated_by"`
}

func (self *shapeRecord) fields() map[string]bool {
	present := map[string]bool{}
	set := func(name string, ok bool) {
		if ok {
			present[name] = true
		}
	}
	set("shape_id", self.ShapeId != nil)
	set("workspace_id", self.WorkspaceId != nil)
	set("kind", self.Kind != nil)
	set("x", self.X != nil)
	set("y", self.Y != nil)
	set("width", self.Width != nil)
	set("height", self.Height != nil)
	set("radius", self.Radius != nil)
	set("x2", self.X2 != nil)
	set("y2", self.Y2 != nil)
	set("text", self.Text != nil)
	set("text_size", self.TextSize != nil)
	set("updated_at", self.UpdatedAt != nil)
	return present
}

func requiredFields(kind ShapeKind) ([]string, bool) {
	common := []string{"shape_id", "workspace_id", "kind", "x", "y", "updated_at"}
	switch kind {
	case ShapeKindRectangle:
		return append(common, "width", "height"), true
	case ShapeKindCircle:
		return append(common, "radius"), true
	case ShapeKindLine:
		return append(common, "x2", "y2"), true
	case ShapeKindText:
		return append(common, "text", "text_size"), true
	default:
		return nil, false
	}
}

// decodes a shape document, rejecting records whose declared kind's
// required fields are absent
func DecodeShape(b []byte) (*Shape, error) {
	record := &shapeRecord{}
	if err := json.Unmarshal(b, record); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	if record.Kind == nil {
		return nil, fmt.Errorf("%w: missing kind", ErrMalformedRecord)
	}
	required, ok := requiredFields(*record.Kind)
	if !ok {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrMalformedRecord, *record.Kind)
	}
	present := record.fields()
	for _, name := range required {
		if !present[name] {
			return nil, fmt.Errorf("%w: %s missing %s", ErrMalformedRecord, *record.Kind, name)
		}
	}

	shape := &Shape{
		ShapeId:     *record.ShapeId,
		WorkspaceId: *record.WorkspaceId,
		Kind:        *record.Kind,
		X:           *record.X,
		Y:           *record.Y,
		UpdatedAt:   *record.UpdatedAt,
	}
	setFloat := func(dst *float64, src *float64) {
		if src != nil {
			*dst = *src
		}
	}
	setFloat(&shape.Width, record.Width)
	setFloat(&shape.Height, record.Height)
	setFloat(&shape.Radius, record.Radius)
	setFloat(&shape.X2, record.X2)
	setFloat(&shape.Y2, record.Y2)
	setFloat(&shape.TextSize, record.TextSize)
	setFloat(&shape.StrokeWidth, record.StrokeWidth)
	setFloat(&shape.Rotation, record.Rotation)
	if record.Text != nil {
		shape.Text = *record.Text
	}
	if record.Fill != nil {
		shape.Fill = *record.Fill
	}
	if record.StrokeColor != nil {
		shape.StrokeColor = *record.StrokeColor
	}
	if record.ZIndex != nil {
		shape.ZIndex = *record.ZIndex
	}
	if record.CreatedBy != nil {
		shape.CreatedBy = *record.CreatedBy
	}
	if record.CreatedAt != nil {
		shape.CreatedAt = *record.CreatedAt
	}
	if record.UpdatedBy != nil {
		shape.UpdatedBy = *record.UpdatedBy
	}
	return shape, nil
}

func EncodeShape(shape *Shape) ([]byte, error) {
	return json.Marshal(shape)
}

// a partial update carried by the mutation intents
// (`create`, `move`, `resize`, `restyle`). nil fields are left unchanged.
type ShapePatch struct {
	X        *float64 `json:"x,omitempty"`
	Y        *float64 `json:"y,omitempty"`
	Width    *float64 `json:"width,omitempty"`
	Height   *float64 `json:"height,omitempty"`
	Radius   *float64 `json:"radius,omitempty"`
	X2       *float64 `json:"x2,omitempty"`
	Y2       *float64 `json:"y2,omitempty"`
	Text     *string  `json:"text,omitempty"`
	TextSize *float64 `json:"text_size,omitempty"`

	Fill        *string  `json:"fill,omitempty"`
	StrokeColor *string  `json:"stroke,omitempty"`
	StrokeWidth *float64 `json:"stroke_width,omitempty"`
	Rotation    *float64 `json:"rotation,omitempty"`
	ZIndex      *int     `json:"z_index,omitempty"`
}

// merges the patch into a copy of the shape. The copy's version fields are
// not touched, the caller assigns them.
func (self *Shape) ApplyPatch(patch *ShapePatch) *Shape {
	next := self.Copy()
	setFloat := func(dst *float64, src *float64) {
		if src != nil {
			*dst = *src
		}
	}
	setFloat(&next.X, patch.X)
	setFloat(&next.Y, patch.Y)
	setFloat(&next.Width, patch.Width)
	setFloat(&next.Height, patch.Height)
	setFloat(&next.Radius, patch.Radius)
	setFloat(&next.X2, patch.X2)
	setFloat(&next.Y2, patch.Y2)
	setFloat(&next.TextSize, patch.TextSize)
	setFloat(&next.StrokeWidth, patch.StrokeWidth)
	setFloat(&next.Rotation, patch.Rotation)
	if patch.Text != nil {
		next.Text = *patch.Text
	}
	if patch.Fill != nil {
		next.Fill = *patch.Fill
	}
	if patch.StrokeColor != nil {
		next.StrokeColor = *patch.StrokeColor
	}
	if patch.ZIndex != nil {
		next.ZIndex = *patch.ZIndex
	}
	return next
}

type PresenceKind string

const (
	PresenceKindCursor    PresenceKind = "cursor"
	PresenceKindSelection PresenceKind = "selection"
	PresenceKindStatus    PresenceKind = "status"
)

type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// one live record per (workspace, user, kind), overwritten in place.
// `UpdateTime` is used for staleness detection: a consumer treats a record
// older than the stale timeout as offline even without an explicit removal.
type PresenceRecord struct {
	WorkspaceId Id           `json:"workspace_id"`
	UserId      Id           `json:"user_id"`
	Kind        PresenceKind `json:"kind"`

	Cursor   *Cursor `json:"cursor,omitempty"`
	ShapeIds []Id    `json:"shape_ids,omitempty"`
	Online   bool    `json:"online,omitempty"`

	UpdateTime UpdateTime `json:"update_time"`
}

func (self *PresenceRecord) Copy() *PresenceRecord {
	recordCopy := *self
	if self.Cursor != nil {
		cursorCopy := *self.Cursor
		recordCopy.Cursor = &cursorCopy
	}
	recordCopy.ShapeIds = slices.Clone(self.ShapeIds)
	return &recordCopy
}

func (self *PresenceRecord) Validate() error {
	switch self.Kind {
	case PresenceKindCursor:
		if self.Cursor == nil {
			return fmt.Errorf("%w: cursor missing cursor", ErrMalformedRecord)
		}
	case PresenceKindSelection, PresenceKindStatus:
	default:
		return fmt.Errorf("%w: unknown presence kind %q", ErrMalformedRecord, self.Kind)
	}
	if self.UserId.IsZero() {
		return fmt.Errorf("%w: missing user_id", ErrMalformedRecord)
	}
	return nil
}
