package record

import (
	"strings"
	"time"
)

// Metadata is the small, eagerly loaded part of a record. Each kind has its own
// variant; fields the variant does not know are kept in its extension map.
type Metadata interface {
	Kind() Kind
	Label() string
	State() string
	When() time.Time
	Categories() map[string][]string
	Text() string
	Extensions() map[string]any

	setExtensions(map[string]any)
}

// NewMetadata returns an empty variant for kind.
func NewMetadata(kind Kind) Metadata {
	switch kind {
	case KindSession:
		return &SessionMeta{}
	case KindTask:
		return &TaskMeta{}
	default:
		return &NoteMeta{}
	}
}

// SessionMeta describes a recorded work session.
type SessionMeta struct {
	Name              string     `json:"name,omitempty"`
	Status            string     `json:"status,omitempty"`
	Category          string     `json:"category,omitempty"`
	Tags              []string   `json:"tags,omitempty"`
	StartTime         time.Time  `json:"start_time,omitzero"`
	EndTime           *time.Time `json:"end_time,omitempty"`
	DurationSeconds   float64    `json:"duration_seconds,omitempty"`
	Description       string     `json:"description,omitempty"`
	ScreenshotCount   int        `json:"screenshot_count,omitempty"`
	AudioSegmentCount int        `json:"audio_segment_count,omitempty"`
	HasVideo          bool       `json:"has_video,omitempty"`

	Extra map[string]any `json:"-"`
}

func (m *SessionMeta) Kind() Kind      { return KindSession }
func (m *SessionMeta) Label() string   { return m.Name }
func (m *SessionMeta) State() string   { return m.Status }
func (m *SessionMeta) When() time.Time { return m.StartTime }

func (m *SessionMeta) Categories() map[string][]string {
	return map[string][]string{
		"status":   {m.Status},
		"category": {m.Category},
		"tag":      m.Tags,
	}
}

func (m *SessionMeta) Text() string {
	return joinText(m.Name, m.Description, m.Category, strings.Join(m.Tags, " "))
}

func (m *SessionMeta) Extensions() map[string]any       { return m.Extra }
func (m *SessionMeta) setExtensions(ext map[string]any) { m.Extra = ext }

// TaskMeta describes a to-do item.
type TaskMeta struct {
	Title       string     `json:"title,omitempty"`
	Status      string     `json:"status,omitempty"`
	Priority    string     `json:"priority,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
	Due         *time.Time `json:"due,omitempty"`
	Description string     `json:"description,omitempty"`
	Done        bool       `json:"done,omitempty"`

	Extra map[string]any `json:"-"`
}

func (m *TaskMeta) Kind() Kind    { return KindTask }
func (m *TaskMeta) Label() string { return m.Title }
func (m *TaskMeta) State() string { return m.Status }

func (m *TaskMeta) When() time.Time {
	if m.Due == nil {
		return time.Time{}
	}
	return *m.Due
}

func (m *TaskMeta) Categories() map[string][]string {
	return map[string][]string{
		"status":   {m.Status},
		"priority": {m.Priority},
		"tag":      m.Tags,
	}
}

func (m *TaskMeta) Text() string {
	return joinText(m.Title, m.Description, strings.Join(m.Tags, " "))
}

func (m *TaskMeta) Extensions() map[string]any       { return m.Extra }
func (m *TaskMeta) setExtensions(ext map[string]any) { m.Extra = ext }

// NoteMeta describes a free-form note.
type NoteMeta struct {
	Title   string   `json:"title,omitempty"`
	Content string   `json:"content,omitempty"`
	Tags    []string `json:"tags,omitempty"`
	Source  string   `json:"source,omitempty"`

	Extra map[string]any `json:"-"`
}

func (m *NoteMeta) Kind() Kind      { return KindNote }
func (m *NoteMeta) Label() string   { return m.Title }
func (m *NoteMeta) State() string   { return "" }
func (m *NoteMeta) When() time.Time { return time.Time{} }

func (m *NoteMeta) Categories() map[string][]string {
	return map[string][]string{
		"source": {m.Source},
		"tag":    m.Tags,
	}
}

func (m *NoteMeta) Text() string {
	return joinText(m.Title, m.Content, strings.Join(m.Tags, " "))
}

func (m *NoteMeta) Extensions() map[string]any       { return m.Extra }
func (m *NoteMeta) setExtensions(ext map[string]any) { m.Extra = ext }

func joinText(parts ...string) string {
	var b strings.Builder
	for _, p := range parts {
		if p == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(p)
	}
	return b.String()
}
