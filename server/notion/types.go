package notion

import (
	"encoding/json"
	"time"
)

// Wire types for the upstream page/database API. Only the property shapes
// this system reads are modeled; everything else stays raw.

type page struct {
	ID             string                  `json:"id"`
	CreatedTime    time.Time               `json:"created_time"`
	LastEditedTime time.Time               `json:"last_edited_time"`
	Archived       bool                    `json:"archived"`
	Properties     map[string]propertyValue `json:"properties"`
	Parent         parentRef               `json:"parent"`
}

type parentRef struct {
	DatabaseID   string `json:"database_id,omitempty"`
	DataSourceID string `json:"data_source_id,omitempty"`
}

// propertyValue is the tagged union of upstream property payloads.
type propertyValue struct {
	ID       string          `json:"id,omitempty"`
	Type     string          `json:"type,omitempty"`
	Title    []richText      `json:"title,omitempty"`
	RichText []richText      `json:"rich_text,omitempty"`
	Date     *dateValue      `json:"date,omitempty"`
	Relation []relationRef   `json:"relation,omitempty"`
	Select   *selectValue    `json:"select,omitempty"`
	Status   *selectValue    `json:"status,omitempty"`
	Number   *float64        `json:"number,omitempty"`
	Checkbox *bool           `json:"checkbox,omitempty"`
	People   json.RawMessage `json:"people,omitempty"`
}

type richText struct {
	Type      string    `json:"type,omitempty"`
	Text      *textSpan `json:"text,omitempty"`
	PlainText string    `json:"plain_text,omitempty"`
}

type textSpan struct {
	Content string `json:"content"`
}

type dateValue struct {
	Start string `json:"start"`
	End   string `json:"end,omitempty"`
}

type relationRef struct {
	ID string `json:"id"`
}

type selectValue struct {
	Name string `json:"name"`
}

// queryRequest is the body for database range/filter queries.
type queryRequest struct {
	Filter      json.RawMessage `json:"filter,omitempty"`
	StartCursor string          `json:"start_cursor,omitempty"`
	PageSize    int             `json:"page_size,omitempty"`
}

// queryResponse carries one page of results plus the pagination cursor.
type queryResponse struct {
	Results    []page `json:"results"`
	HasMore    bool   `json:"has_more"`
	NextCursor string `json:"next_cursor"`
}

// database is the schema payload returned by database retrieval.
type database struct {
	ID         string                        `json:"id"`
	Title      []richText                    `json:"title"`
	Properties map[string]propertySchema     `json:"properties"`
}

type propertySchema struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Select   *optionsSchema   `json:"select,omitempty"`
	Status   *optionsSchema   `json:"status,omitempty"`
	Relation *relationSchema  `json:"relation,omitempty"`
}

type optionsSchema struct {
	Options []selectValue `json:"options"`
}

type relationSchema struct {
	DatabaseID string `json:"database_id"`
}

// apiError is the upstream error envelope.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func plainText(spans []richText) string {
	out := ""
	for _, s := range spans {
		if s.PlainText != "" {
			out += s.PlainText
		} else if s.Text != nil {
			out += s.Text.Content
		}
	}
	return out
}

func textProp(content string) propertyValue {
	return propertyValue{RichText: []richText{{Type: "text", Text: &textSpan{Content: content}}}}
}

func titleProp(content string) propertyValue {
	return propertyValue{Title: []richText{{Type: "text", Text: &textSpan{Content: content}}}}
}

func relationProp(ids []string) propertyValue {
	refs := make([]relationRef, 0, len(ids))
	for _, id := range ids {
		refs = append(refs, relationRef{ID: id})
	}
	return propertyValue{Relation: refs}
}
