// Package messenger assembles the realtime stack — signaling channel,
// presence tracker, conversation cache, and call manager — behind one
// service object with explicit construction and shutdown. Nothing in
// here is global; the embedding application owns the instance.
package messenger

import (
	"context"
	"fmt"
	"log"

	"github.com/brendanx22/HomeSwift.co-sub002/internal/auth"
	"github.com/brendanx22/HomeSwift.co-sub002/internal/backend"
	"github.com/brendanx22/HomeSwift.co-sub002/internal/call"
	"github.com/brendanx22/HomeSwift.co-sub002/internal/chat"
	"github.com/brendanx22/HomeSwift.co-sub002/internal/config"
	"github.com/brendanx22/HomeSwift.co-sub002/internal/presence"
	"github.com/brendanx22/HomeSwift.co-sub002/internal/signaling"
	"github.com/brendanx22/HomeSwift.co-sub002/internal/storage"
)

// Profile is the self-description broadcast with presence-online.
type Profile struct {
	FullName  string
	AvatarURL string
}

// Service is the composed messaging session for one signed-in user.
type Service struct {
	cfg     *config.Config
	tokens  *auth.Source
	selfID  string
	profile Profile

	channel *signaling.Channel
	api     *backend.Client
	db      *storage.DB
	pres    *presence.Tracker
	chat    *chat.Store
	calls   *call.Manager
}

// New wires the full stack from config and a primary token source. The
// user identity comes from the token's subject claim; without a parsable
// token there is no session.
func New(cfg *config.Config, primary auth.TokenFunc, profile Profile) (*Service, error) {
	tokens := auth.NewSource(primary, cfg.Signaling.FallbackToken)

	tok, err := tokens.Token()
	if err != nil {
		return nil, fmt.Errorf("messenger: %w", err)
	}
	ident, err := auth.ParseIdentity(tok)
	if err != nil {
		return nil, fmt.Errorf("messenger: %w", err)
	}

	svc := &Service{
		cfg:     cfg,
		tokens:  tokens,
		selfID:  ident.UserID,
		profile: profile,
	}

	if cfg.Paths.CacheDir != "" {
		db, err := storage.Open(cfg.Paths.CacheDir)
		if err != nil {
			// Cache is warm-start convenience, not correctness.
			log.Printf("MESSENGER: cache unavailable: %v", err)
		} else {
			svc.db = db
		}
	}

	svc.channel = signaling.NewChannel(signaling.Options{
		URL:        cfg.Signaling.URL,
		Tokens:     tokens,
		BackoffMin: cfg.BackoffMin(),
		BackoffMax: cfg.BackoffMax(),
	})
	svc.api = backend.NewClient(cfg.Backend.URL, tokens)
	svc.pres = presence.NewTracker(ident.UserID, svc.channel, cfg.TypingTTL())

	var snap chat.Snapshots
	if svc.db != nil {
		snap = svc.db
	}
	svc.chat = chat.NewStore(ident.UserID, svc.api, svc.pres, snap)
	svc.calls = call.NewManager(svc.channel, ident.UserID, cfg.Call.ICEServers, cfg.RingTimeout())

	svc.pres.Bind(svc.channel)
	svc.chat.Bind(svc.channel)

	// The server does not resume presence across reconnects, so every
	// transition to connected re-announces.
	svc.channel.OnState(func(st signaling.State, err error) {
		switch {
		case st == signaling.StateConnected:
			svc.AnnouncePresence()
		case err == signaling.ErrUnauthorized:
			log.Printf("MESSENGER: session unauthorized — messaging unavailable")
		}
	})

	return svc, nil
}

// Start opens the signaling connection. The context bounds the whole
// session; cancelling it stops reconnecting.
func (s *Service) Start(ctx context.Context) {
	log.Printf("MESSENGER: starting session for %s", s.selfID)
	s.channel.Connect(ctx)
}

// AnnouncePresence broadcasts presence-online with the self profile.
func (s *Service) AnnouncePresence() {
	env, err := signaling.NewEnvelope(signaling.TypePresenceOnline, s.selfID, "", "",
		signaling.PresenceInfo{
			UserID:    s.selfID,
			FullName:  s.profile.FullName,
			AvatarURL: s.profile.AvatarURL,
		})
	if err != nil {
		log.Printf("MESSENGER: announce presence: %v", err)
		return
	}
	s.channel.Send(env)
}

// SelfID returns the signed-in user's id.
func (s *Service) SelfID() string { return s.selfID }

// Signaling exposes the underlying channel (state, diagnostics ring).
func (s *Service) Signaling() *signaling.Channel { return s.channel }

// Presence exposes the online/typing tracker.
func (s *Service) Presence() *presence.Tracker { return s.pres }

// Chat exposes the conversation/message cache.
func (s *Service) Chat() *chat.Store { return s.chat }

// Calls exposes the call manager.
func (s *Service) Calls() *call.Manager { return s.calls }

// Degraded reports whether the session runs on the fallback credential.
func (s *Service) Degraded() bool { return s.tokens.Degraded() }

// Close announces offline, ends all calls, and releases every resource.
// Safe to call once at shutdown.
func (s *Service) Close() {
	if env, err := signaling.NewEnvelope(signaling.TypePresenceOffline, s.selfID, "", "", nil); err == nil {
		s.channel.Send(env)
	}

	s.calls.Close()
	s.pres.Close()
	s.channel.Close()
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			log.Printf("MESSENGER: close cache: %v", err)
		}
	}
	log.Printf("MESSENGER: session for %s closed", s.selfID)
}
