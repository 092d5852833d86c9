package model

import "time"

// Element collections.
const (
	CollectionItems   = "items"
	CollectionFolders = "folders"
	CollectionGroups  = "groups"
	CollectionUsers   = "users"
)

// ElementCollections are the collections holding work elements.
var ElementCollections = []string{CollectionItems, CollectionFolders, CollectionGroups, CollectionUsers}

// Element is a work item a job can operate on.
type Element struct {
	ID          string    `json:"id" db:"id"`
	Collection  string    `json:"collection" db:"collection"`
	Type        string    `json:"type,omitempty" db:"type"`
	Thumbnail   string    `json:"thumbnail,omitempty" db:"thumbnail"`
	ContentSize *int64    `json:"contentSize,omitempty" db:"content_size"`
	FolderID    string    `json:"folder,omitempty" db:"folder_id"`
	CreatedAt   time.Time `json:"createdAt" db:"created_at"`
}

// ElementRef identifies an element across collections.
type ElementRef struct {
	Collection string `json:"collection"`
	ID         string `json:"id"`
}

// Ref returns the reference of the element.
func (e *Element) Ref() ElementRef {
	return ElementRef{Collection: e.Collection, ID: e.ID}
}

// ElementFilter is the predicate a selector applies to a collection.
type ElementFilter struct {
	Collection         string
	Types              []string
	MissingThumbnail   bool
	InvalidContentSize bool
	HasFolder          bool
}

// Match determines if the element matches the filter.
func (f ElementFilter) Match(e *Element) bool {
	if e.Collection != f.Collection {
		return false
	}
	if len(f.Types) > 0 && !containsString(f.Types, e.Type) {
		return false
	}
	if f.MissingThumbnail && e.Thumbnail != "" {
		return false
	}
	if f.InvalidContentSize && e.ContentSize != nil && *e.ContentSize >= 0 {
		return false
	}
	if f.HasFolder && e.FolderID == "" {
		return false
	}
	return true
}

func containsString(s []string, v string) bool {
	for _, ss := range s {
		if ss == v {
			return true
		}
	}
	return false
}
