// Package events defines the topics and payloads published on the run bus.
package events

import (
	"github.com/scenesync/scenesync/pkg/reconcile/scene"
	"github.com/scenesync/scenesync/pkg/reconcile/types/id"
)

// Topics are global: subscribers attach before any run exists and filter on
// the RunID each payload carries.
const (
	TopicStage     = "event.stage"
	TopicPage      = "event.page"
	TopicDuplicate = "event.duplicate"
	TopicBatch     = "event.batch"
)

// StageChanged is published after a stage transition has been durably
// checkpointed.
type StageChanged struct {
	RunID id.RunID
	From  string
	To    string
}

// PageFetched is published after a source page has been staged.
type PageFetched struct {
	RunID   id.RunID
	Origin  scene.Origin
	Count   int
	Skipped int
}

// DuplicateKey is published when one source yields the same canonical key
// twice within a run window.
type DuplicateKey struct {
	RunID        id.RunID
	Origin       scene.Origin
	CanonicalKey string
}

// BatchDispatched is published after a dispatch batch has been resolved, in
// either direction.
type BatchDispatched struct {
	RunID  id.RunID
	Sent   int
	Failed int
}
