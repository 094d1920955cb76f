package persistence

import "fmt"

// Provider is the source system an item, account or blob came from.
type Provider string

const (
	ProviderGmail  Provider = "gmail"
	ProviderGDrive Provider = "gdrive"
	ProviderGCal   Provider = "gcal"
	ProviderAudio  Provider = "audio"
	ProviderManual Provider = "manual"
)

// ItemKind classifies the content unit an item represents.
type ItemKind string

const (
	ItemKindEmail         ItemKind = "email"
	ItemKindFile          ItemKind = "file"
	ItemKindTranscript    ItemKind = "transcript"
	ItemKindNote          ItemKind = "note"
	ItemKindCalendarEvent ItemKind = "calendar_event"
)

// ItemStatus is the processing state of an item.
type ItemStatus string

const (
	ItemStatusNew        ItemStatus = "new"
	ItemStatusProcessing ItemStatus = "processing"
	ItemStatusProcessed  ItemStatus = "processed"
	ItemStatusTagged     ItemStatus = "tagged"
	ItemStatusFailed     ItemStatus = "failed"
)

type FileRole string

const (
	FileRoleOriginal   FileRole = "original"
	FileRoleTranscript FileRole = "transcript"
	FileRoleThumbnail  FileRole = "thumbnail"
	FileRoleExport     FileRole = "export"
)

type DeletionType string

const (
	DeletionSoft DeletionType = "soft"
	DeletionHard DeletionType = "hard"
)

// LinkStatus tracks a calendar insertion performed by an external collaborator.
type LinkStatus string

const (
	LinkStatusPending   LinkStatus = "pending"
	LinkStatusSuccess   LinkStatus = "success"
	LinkStatusFailed    LinkStatus = "failed"
	LinkStatusCancelled LinkStatus = "cancelled"
)

var allowedLinkTransitions = map[LinkStatus]map[LinkStatus]struct{}{
	LinkStatusPending: {
		LinkStatusSuccess:   {},
		LinkStatusFailed:    {},
		LinkStatusCancelled: {},
	},
	LinkStatusFailed: {
		LinkStatusPending:   {}, // Reconciliation retry.
		LinkStatusCancelled: {},
	},
}

func canTransitionLink(from, to LinkStatus) bool {
	next, ok := allowedLinkTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

type RunStatus string

const (
	RunStatusOK      RunStatus = "ok"
	RunStatusPartial RunStatus = "partial"
	RunStatusFailed  RunStatus = "failed"
)

type TagKind string

const (
	TagKindTopic   TagKind = "topic"
	TagKindPerson  TagKind = "person"
	TagKindPlace   TagKind = "place"
	TagKindProject TagKind = "project"
	TagKindSystem  TagKind = "system"
)

// LengthClass buckets content by word count.
type LengthClass string

const (
	LengthShort  LengthClass = "short"
	LengthMedium LengthClass = "medium"
	LengthLong   LengthClass = "long"
)

const (
	shortWordLimit  = 100
	mediumWordLimit = 1000
)

// ClassifyLength maps a word count to its length class.
func ClassifyLength(words int) LengthClass {
	switch {
	case words < shortWordLimit:
		return LengthShort
	case words < mediumWordLimit:
		return LengthMedium
	default:
		return LengthLong
	}
}

// EventKind names an audit event.
type EventKind string

const (
	EventCreated         EventKind = "created"
	EventUpdated         EventKind = "updated"
	EventStatusChanged   EventKind = "status_changed"
	EventSidecarAttached EventKind = "sidecar_attached"
	EventFileAttached    EventKind = "file_attached"
	EventFileDeleted     EventKind = "file_deleted"
	EventTagged          EventKind = "tagged"
	EventUntagged        EventKind = "untagged"
	EventSessionAdded    EventKind = "session_added"
	EventDuplicateMarked EventKind = "duplicate_marked"
	EventSoftDeleted     EventKind = "soft_deleted"
	EventRestored        EventKind = "restored"
	EventHardDeleted     EventKind = "hard_deleted"
	EventLinkRecorded    EventKind = "link_recorded"
	EventLinkUpdated     EventKind = "link_updated"
	EventError           EventKind = "error"
)

// SearchField selects which item vector a query runs against.
type SearchField string

const (
	FieldTitleContent SearchField = "title_content"
	FieldSummary      SearchField = "summary"
	FieldSubject      SearchField = "subject"
)

// CostGrouping is the aggregation dimension of a cost report.
type CostGrouping string

const (
	GroupByOperation CostGrouping = "operation"
	GroupByModel     CostGrouping = "model"
	GroupByDay       CostGrouping = "day"
)

func parseEnum[T ~string](field, raw string, allowed ...T) (T, error) {
	for _, v := range allowed {
		if string(v) == raw {
			return v, nil
		}
	}
	var zero T
	return zero, &ValidationError{Field: field, Reason: fmt.Sprintf("unrecognized value %q", raw)}
}

func ParseProvider(s string) (Provider, error) {
	return parseEnum("provider", s, ProviderGmail, ProviderGDrive, ProviderGCal, ProviderAudio, ProviderManual)
}

func ParseItemKind(s string) (ItemKind, error) {
	return parseEnum("item_kind", s, ItemKindEmail, ItemKindFile, ItemKindTranscript, ItemKindNote, ItemKindCalendarEvent)
}

func ParseItemStatus(s string) (ItemStatus, error) {
	return parseEnum("status", s, ItemStatusNew, ItemStatusProcessing, ItemStatusProcessed, ItemStatusTagged, ItemStatusFailed)
}

func ParseFileRole(s string) (FileRole, error) {
	return parseEnum("role", s, FileRoleOriginal, FileRoleTranscript, FileRoleThumbnail, FileRoleExport)
}

func ParseDeletionType(s string) (DeletionType, error) {
	return parseEnum("deletion_type", s, DeletionSoft, DeletionHard)
}

func ParseLinkStatus(s string) (LinkStatus, error) {
	return parseEnum("status", s, LinkStatusPending, LinkStatusSuccess, LinkStatusFailed, LinkStatusCancelled)
}

func ParseRunStatus(s string) (RunStatus, error) {
	return parseEnum("status", s, RunStatusOK, RunStatusPartial, RunStatusFailed)
}

// ParseTagKind defaults an empty kind to topic.
func ParseTagKind(s string) (TagKind, error) {
	if s == "" {
		return TagKindTopic, nil
	}
	return parseEnum("kind", s, TagKindTopic, TagKindPerson, TagKindPlace, TagKindProject, TagKindSystem)
}

func ParseEventKind(s string) (EventKind, error) {
	return parseEnum("kind", s,
		EventCreated, EventUpdated, EventStatusChanged, EventSidecarAttached, EventFileAttached,
		EventFileDeleted, EventTagged, EventUntagged, EventSessionAdded, EventDuplicateMarked,
		EventSoftDeleted, EventRestored, EventHardDeleted, EventLinkRecorded, EventLinkUpdated, EventError)
}

// ParseSearchField defaults an empty field to title_content.
func ParseSearchField(s string) (SearchField, error) {
	if s == "" {
		return FieldTitleContent, nil
	}
	return parseEnum("field", s, FieldTitleContent, FieldSummary, FieldSubject)
}

func ParseCostGrouping(s string) (CostGrouping, error) {
	if s == "" {
		return GroupByOperation, nil
	}
	return parseEnum("group_by", s, GroupByOperation, GroupByModel, GroupByDay)
}
