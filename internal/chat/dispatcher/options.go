package dispatcher

import (
	"log/slog"
	"time"

	"roomsync/internal/chat/echo"
	"roomsync/internal/chat/feed"
	"roomsync/internal/chat/messagelog"
	"roomsync/internal/chat/presence"
	"roomsync/internal/chat/reaction"
	"roomsync/internal/metrics"
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultResyncInterval    = 5 * time.Second
	DefaultSubmitTimeout     = 10 * time.Second
)

// Deps are the collaborators shared by every session of a process.
type Deps struct {
	Log       *messagelog.Log
	Presence  *presence.Tracker
	Reactions *reaction.Aggregator
	Feed      feed.Feed
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Options tunes a session. SubmitTimeout bounds a write that outlives its
// session; Clock defaults to the wall clock in UTC.
type Options struct {
	HeartbeatInterval time.Duration
	ResyncInterval    time.Duration
	TypingThrottle    time.Duration
	TypingQuietPeriod time.Duration
	EchoMatchWindow   time.Duration
	PageSize          int
	SubmitTimeout     time.Duration
	Clock             func() time.Time
}

func DefaultOptions() Options {
	return Options{
		HeartbeatInterval: DefaultHeartbeatInterval,
		ResyncInterval:    DefaultResyncInterval,
		TypingThrottle:    presence.DefaultTypingThrottle,
		TypingQuietPeriod: presence.DefaultTypingQuietPeriod,
		EchoMatchWindow:   echo.DefaultMatchWindow,
		PageSize:          messagelog.DefaultPageSize,
		SubmitTimeout:     DefaultSubmitTimeout,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = d.HeartbeatInterval
	}
	if o.ResyncInterval <= 0 {
		o.ResyncInterval = d.ResyncInterval
	}
	if o.TypingThrottle <= 0 {
		o.TypingThrottle = d.TypingThrottle
	}
	if o.TypingQuietPeriod <= 0 {
		o.TypingQuietPeriod = d.TypingQuietPeriod
	}
	if o.EchoMatchWindow <= 0 {
		o.EchoMatchWindow = d.EchoMatchWindow
	}
	if o.PageSize <= 0 {
		o.PageSize = d.PageSize
	}
	if o.SubmitTimeout <= 0 {
		o.SubmitTimeout = d.SubmitTimeout
	}
	if o.Clock == nil {
		o.Clock = func() time.Time { return time.Now().UTC() }
	}
	return o
}
