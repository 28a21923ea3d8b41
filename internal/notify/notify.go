// Package notify holds the fire-and-forget collaborators of the translation
// flow: user notifications and the background execution keeper.
package notify

import (
	"github.com/MimeLyc/translation-orchestrator/pkg/log"
)

// Notifier delivers user-facing notifications. Calls must not block.
type Notifier interface {
	NotifyBatchComplete(videoKey, title string, completed, total int)
	NotifyTranslationComplete(videoKey, title string)
	NotifyTranslationError(videoKey, title, message string)
}

// Keeper keeps the host process alive while a job runs. Its calls are
// advisory and a failing keeper must never affect the translation.
type Keeper interface {
	OnStart(label string)
	UpdateProgress(current, total int, label string)
	OnComplete()
	OnStop()
}

// LogNotifier writes notifications to the log.
type LogNotifier struct{}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) NotifyBatchComplete(videoKey, title string, completed, total int) {
	log.Info("Batch %d/%d translated: %s", completed, total, displayName(videoKey, title))
}

func (n *LogNotifier) NotifyTranslationComplete(videoKey, title string) {
	log.Info("Translation completed: %s", displayName(videoKey, title))
}

func (n *LogNotifier) NotifyTranslationError(videoKey, title, message string) {
	log.Error("Translation failed: %s: %s", displayName(videoKey, title), message)
}

// LogKeeper records keeper calls at debug level.
type LogKeeper struct{}

func NewLogKeeper() *LogKeeper {
	return &LogKeeper{}
}

func (k *LogKeeper) OnStart(label string) {
	log.Debug("Keep-alive started: %s", label)
}

func (k *LogKeeper) UpdateProgress(current, total int, label string) {
	log.Debug("Keep-alive progress %d/%d: %s", current, total, label)
}

func (k *LogKeeper) OnComplete() {
	log.Debug("Keep-alive completed")
}

func (k *LogKeeper) OnStop() {
	log.Debug("Keep-alive stopped")
}

// SafeKeeper wraps a Keeper and swallows its panics.
type SafeKeeper struct {
	inner Keeper
}

// NewSafeKeeper returns a keeper that is safe to call even when inner is nil.
func NewSafeKeeper(inner Keeper) *SafeKeeper {
	return &SafeKeeper{inner: inner}
}

func (k *SafeKeeper) OnStart(label string) {
	k.guard("OnStart", func(inner Keeper) { inner.OnStart(label) })
}

func (k *SafeKeeper) UpdateProgress(current, total int, label string) {
	k.guard("UpdateProgress", func(inner Keeper) { inner.UpdateProgress(current, total, label) })
}

func (k *SafeKeeper) OnComplete() {
	k.guard("OnComplete", func(inner Keeper) { inner.OnComplete() })
}

func (k *SafeKeeper) OnStop() {
	k.guard("OnStop", func(inner Keeper) { inner.OnStop() })
}

func (k *SafeKeeper) guard(op string, fn func(Keeper)) {
	if k == nil || k.inner == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Warn("Keeper %s panicked: %v", op, r)
		}
	}()
	fn(k.inner)
}

// Nop discards every notification.
type Nop struct{}

func (Nop) NotifyBatchComplete(string, string, int, int)  {}
func (Nop) NotifyTranslationComplete(string, string)      {}
func (Nop) NotifyTranslationError(string, string, string) {}

func displayName(videoKey, title string) string {
	if title == "" {
		return videoKey
	}
	return title + " (" + videoKey + ")"
}
