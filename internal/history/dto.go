package history

import (
	"time"

	"edithistory/internal/store"
)

// EditState is the reconstructed edit state of one image. It is computed on
// demand and never stored.
type EditState struct {
	Params     map[string]float64 `json:"params"`
	CanUndo    bool               `json:"can_undo"`
	CanRedo    bool               `json:"can_redo"`
	EventCount int                `json:"event_count"`
}

// EditEventDTO is an edit event as shown in history and timeline views.
// Param and Value are filled only when the payload parses.
type EditEventDTO struct {
	ID        int64     `json:"id"`
	ImageID   int64     `json:"image_id"`
	EventType string    `json:"event_type"`
	Payload   string    `json:"payload"`
	Param     string    `json:"param,omitempty"`
	Value     *float64  `json:"value,omitempty"`
	Undone    bool      `json:"is_undone"`
	SessionID string    `json:"session_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// SnapshotDTO is a named snapshot as returned to callers.
type SnapshotDTO struct {
	ID          int64              `json:"id"`
	ImageID     int64              `json:"image_id"`
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	EventCount  int                `json:"event_count"`
	Params      map[string]float64 `json:"params"`
	CreatedAt   time.Time          `json:"created_at"`
}

// ApplyEditRequest carries one edit to append. Payload is the raw JSON text
// stored with the event.
type ApplyEditRequest struct {
	ImageID   int64
	EventType string
	Payload   string
	SessionID string
}

// ParameterEdit builds a request that sets param to value. It fails with
// ErrInvalidPayload when the pair cannot be encoded.
func ParameterEdit(imageID int64, eventType, param string, value float64) (ApplyEditRequest, error) {
	payload, err := Payload{Param: param, Value: value}.Encode()
	if err != nil {
		return ApplyEditRequest{}, err
	}
	return ApplyEditRequest{
		ImageID:   imageID,
		EventType: eventType,
		Payload:   payload,
	}, nil
}

func newEventDTO(e store.EditEvent) EditEventDTO {
	dto := EditEventDTO{
		ID:        e.ID,
		ImageID:   e.ImageID,
		EventType: e.EventType,
		Payload:   e.Payload,
		Undone:    e.Undone,
		CreatedAt: e.CreatedAt,
	}
	if e.SessionID != nil {
		dto.SessionID = *e.SessionID
	}
	if p, err := ParsePayload(e.Payload); err == nil {
		dto.Param = p.Param
		v := p.Value
		dto.Value = &v
	}
	return dto
}

func newEventDTOs(events []store.EditEvent) []EditEventDTO {
	dtos := make([]EditEventDTO, 0, len(events))
	for _, e := range events {
		dtos = append(dtos, newEventDTO(e))
	}
	return dtos
}

func newSnapshotDTO(sn *store.NamedSnapshot, params map[string]float64) SnapshotDTO {
	dto := SnapshotDTO{
		ID:         sn.ID,
		ImageID:    sn.ImageID,
		Name:       sn.Name,
		EventCount: sn.EventCount,
		Params:     params,
		CreatedAt:  sn.CreatedAt,
	}
	if sn.Description != nil {
		dto.Description = *sn.Description
	}
	return dto
}
