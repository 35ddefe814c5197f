package model

import (
	"time"
)

// CalendarEvent is an entry in a user's calendar.
type CalendarEvent struct {
	ID        string            `json:"id"`
	UserID    string            `json:"user_id"`
	Title     string            `json:"title"`
	StartsAt  time.Time         `json:"starts_at"`
	EndsAt    time.Time         `json:"ends_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// CreateCalendarEventRequest is the request to create a calendar event.
type CreateCalendarEventRequest struct {
	Title    string    `json:"title"`
	StartsAt time.Time `json:"starts_at"`
	EndsAt   time.Time `json:"ends_at"`
}

// UpdateCalendarEventRequest carries optional calendar event changes.
type UpdateCalendarEventRequest struct {
	Title    *string    `json:"title,omitempty"`
	StartsAt *time.Time `json:"starts_at,omitempty"`
	EndsAt   *time.Time `json:"ends_at,omitempty"`
}

// ToolCalendar is the registry name of the calendar tool.
const ToolCalendar = "calendar"

// Calendar actions carried in the SlotAction slot.
const (
	CalendarAdd    = "add"
	CalendarList   = "list"
	CalendarEdit   = "edit"
	CalendarDelete = "delete"
)

// Slot keys understood by the calendar tool. Dates are YYYY-MM-DD and times
// are HH:MM in the calendar's time zone. SlotEndDate closes an inclusive
// range that starts at SlotDate.
const (
	SlotAction  = "action"
	SlotName    = "name"
	SlotDate    = "date"
	SlotEndDate = "end_date"
	SlotTime    = "time"
	SlotEndTime = "end_time"
	SlotNewName = "new_name"
	SlotNewDate = "new_date"
	SlotNewTime = "new_time"
	SlotQuery   = "query"
)
