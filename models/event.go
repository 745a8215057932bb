package models

import (
	"encoding/json"
	"fmt"
)

type EventType string

const (
	EventUrlsDiscovered EventType = "urls"
	EventItemStarted    EventType = "scraping"
	EventItemSucceeded  EventType = "property"
	EventItemFailed     EventType = "error_property"
	EventBatchError     EventType = "error"
	EventComplete       EventType = "complete"
)

// ProgressEvent is one state transition of a run. Which fields are meaningful
// depends on Type; MarshalJSON only writes those.
type ProgressEvent struct {
	Type EventType

	// urls
	URLs          []string
	TotalEstimate int

	// scraping, property, error_property
	Index  int
	URL    string
	Record *ListingRecord
	Reason string

	// complete
	Summary *RunSummary
}

// RunSummary is the payload of the final event of a run.
type RunSummary struct {
	Total     int              `json:"total"`
	Succeeded int              `json:"extracted"`
	Failed    int              `json:"failed"`
	Records   []*ListingRecord `json:"results"`
	Failures  []ItemFailure    `json:"errors"`
}

func UrlsDiscovered(urls []string, totalEstimate int) ProgressEvent {
	return ProgressEvent{Type: EventUrlsDiscovered, URLs: urls, TotalEstimate: totalEstimate}
}

func ItemStarted(index int, url string) ProgressEvent {
	return ProgressEvent{Type: EventItemStarted, Index: index, URL: url}
}

func ItemSucceeded(index int, rec *ListingRecord) ProgressEvent {
	return ProgressEvent{Type: EventItemSucceeded, Index: index, URL: rec.URL, Record: rec}
}

func ItemFailed(index int, url, reason string) ProgressEvent {
	return ProgressEvent{Type: EventItemFailed, Index: index, URL: url, Reason: reason}
}

func BatchError(reason string) ProgressEvent {
	return ProgressEvent{Type: EventBatchError, Reason: reason}
}

func Complete(summary RunSummary) ProgressEvent {
	if summary.Records == nil {
		summary.Records = []*ListingRecord{}
	}
	if summary.Failures == nil {
		summary.Failures = []ItemFailure{}
	}
	return ProgressEvent{Type: EventComplete, Summary: &summary}
}

// Terminal reports whether no event follows this one.
func (e ProgressEvent) Terminal() bool {
	return e.Type == EventComplete || e.Type == EventBatchError
}

func (e ProgressEvent) MarshalJSON() ([]byte, error) {
	m := map[string]any{"type": e.Type}

	switch e.Type {
	case EventUrlsDiscovered:
		urls := e.URLs
		if urls == nil {
			urls = []string{}
		}
		m["urls"] = urls
		m["totalFoundInSearch"] = e.TotalEstimate
	case EventItemStarted:
		m["index"] = e.Index
		m["url"] = e.URL
	case EventItemSucceeded:
		m["index"] = e.Index
		m["data"] = e.Record
	case EventItemFailed:
		m["index"] = e.Index
		m["url"] = e.URL
		m["error"] = e.Reason
	case EventBatchError:
		m["error"] = e.Reason
	case EventComplete:
		if e.Summary == nil {
			return nil, fmt.Errorf("complete event without summary")
		}
		m["total"] = e.Summary.Total
		m["extracted"] = e.Summary.Succeeded
		m["failed"] = e.Summary.Failed
		m["results"] = e.Summary.Records
		m["errors"] = e.Summary.Failures
	default:
		return nil, fmt.Errorf("unknown event type %q", e.Type)
	}

	return json.Marshal(m)
}
