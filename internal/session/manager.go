package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sahilm/fuzzy"

	"github.com/asheshgoplani/conductor/internal/config"
	"github.com/asheshgoplani/conductor/internal/logging"
	"github.com/asheshgoplani/conductor/internal/statedb"
	"github.com/asheshgoplani/conductor/internal/tmux"
)

var sessLog = logging.ForComponent(logging.CompSession)

// Options configure a Manager.
type Options struct {
	MaxConcurrent int
	NamePrefix    string
	LaunchCommand string
	// Aliases maps working directories (~ allowed) to display names.
	Aliases    map[string]string
	TokenLimit int
}

// OptionsFromConfig maps the [sessions] section onto Options.
func OptionsFromConfig(c config.SessionsConfig, tokenLimit int) Options {
	return Options{
		MaxConcurrent: c.MaxConcurrent,
		NamePrefix:    c.NamePrefix,
		LaunchCommand: c.LaunchCommand,
		Aliases:       c.Aliases,
		TokenLimit:    tokenLimit,
	}
}

// AttachFunc runs whenever a live session gains a pane handle.
type AttachFunc func(s Session, p tmux.Pane)

// DetachFunc runs when a session leaves the live set.
type DetachFunc func(id string)

// Change records a status transition made by a health pass.
type Change struct {
	Session Session
	From    Status
}

// CreateRequest describes a new session.
type CreateRequest struct {
	Kind    Kind
	WorkDir string
	Alias   string
	// Command is typed into one-off panes.
	Command string
}

// Manager is the only writer of session records. It is safe for
// concurrent use.
type Manager struct {
	mux   tmux.Multiplexer
	store Store

	now      func() time.Time
	newID    func() string
	stop     func(pid int) error
	cont     func(pid int) error
	alive    func(pid int) bool
	isGoneFn func(error) bool

	mu         sync.Mutex
	opts       Options
	sessions   map[string]*Session
	panes      map[string]tmux.Pane
	reserved   map[*reservation]struct{}
	nextNumber int
	onAttach   AttachFunc
	onDetach   DetachFunc
}

// reservation holds a number, name and marker for a Create whose
// multiplexer calls are still running. Reservations count against the
// concurrency cap and are treated as tracked by Recover.
type reservation struct {
	number int
	name   string
	marker string
}

// NewManager returns a manager with no live sessions. Call LoadFromStore
// and Recover to pick up existing work.
func NewManager(mux tmux.Multiplexer, store Store, opts Options) *Manager {
	if opts.NamePrefix == "" {
		opts.NamePrefix = "conductor-"
	}
	m := &Manager{
		mux:        mux,
		store:      store,
		now:        time.Now,
		newID:      func() string { return uuid.NewString() },
		stop:       stopProcess,
		cont:       continueProcess,
		alive:      pidAlive,
		isGoneFn:   isProcessGone,
		opts:       opts,
		sessions:   make(map[string]*Session),
		panes:      make(map[string]tmux.Pane),
		reserved:   make(map[*reservation]struct{}),
		nextNumber: 1,
	}
	if n, err := store.MaxSessionNumber(); err != nil {
		sessLog.Warn("max_number_lookup_failed", slog.String("error", err.Error()))
	} else {
		m.nextNumber = n + 1
	}
	return m
}

// SetHooks installs the attach/detach callbacks.
func (m *Manager) SetHooks(attach AttachFunc, detach DetachFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onAttach = attach
	m.onDetach = detach
}

// SetAliases replaces the directory alias table.
func (m *Manager) SetAliases(aliases map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opts.Aliases = aliases
}

// SetMaxConcurrent replaces the concurrency cap.
func (m *Manager) SetMaxConcurrent(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opts.MaxConcurrent = n
}

// Create starts a new session. All validation happens before any
// multiplexer side effect. The manager lock is not held while tmux runs.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (Session, error) {
	if req.Kind == "" {
		req.Kind = KindAssistant
	}
	kind, err := ParseKind(string(req.Kind))
	if err != nil {
		return Session{}, err
	}
	if req.Alias != "" {
		if err := validateAlias(req.Alias); err != nil {
			return Session{}, err
		}
	}
	dir, err := filepath.Abs(config.ExpandHome(req.WorkDir))
	if err != nil {
		return Session{}, fmt.Errorf("%w: %s", ErrWorkDirMissing, req.WorkDir)
	}
	if st, err := os.Stat(dir); err != nil || !st.IsDir() {
		return Session{}, fmt.Errorf("%w: %s", ErrWorkDirMissing, dir)
	}

	m.mu.Lock()
	if m.opts.MaxConcurrent > 0 && len(m.sessions)+len(m.reserved) >= m.opts.MaxConcurrent {
		m.mu.Unlock()
		return Session{}, fmt.Errorf("%w: max %d", ErrCapacity, m.opts.MaxConcurrent)
	}
	marker, ok := m.freeMarkerLocked()
	if !ok {
		m.mu.Unlock()
		return Session{}, ErrMarkersExhausted
	}
	alias := req.Alias
	if alias == "" {
		alias = m.aliasForLocked(dir)
	}
	r := &reservation{marker: marker}
	m.reserved[r] = struct{}{}
	m.mu.Unlock()

	if err := m.allocateName(ctx, r); err != nil {
		m.release(r)
		return Session{}, err
	}
	pane, err := m.mux.NewSession(ctx, r.name, dir)
	if err != nil {
		m.release(r)
		return Session{}, fmt.Errorf("session: create pane: %w", err)
	}

	m.mu.Lock()
	delete(m.reserved, r)
	now := m.now()
	s := &Session{
		ID:          m.newID(),
		Number:      r.number,
		Alias:       alias,
		Kind:        kind,
		WorkingDir:  dir,
		TmuxSession: r.name,
		PaneID:      pane.ID(),
		PID:         pane.PID(),
		Status:      StatusRunning,
		Marker:      marker,
		TokenLimit:  m.opts.TokenLimit,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.sessions[s.ID] = s
	m.panes[s.ID] = pane
	snap := *s
	launch := m.opts.LaunchCommand
	attach := m.onAttach
	m.mu.Unlock()

	if err := m.store.CreateSession(toRow(&snap)); err != nil {
		sessLog.Warn("session_persist_failed", slog.String("session_id", snap.ID), slog.String("error", err.Error()))
	}

	switch kind {
	case KindAssistant:
	case KindOneOff:
		launch = req.Command
	default:
		launch = ""
	}
	if launch != "" {
		if err := pane.SendKeys(ctx, launch, true); err != nil {
			sessLog.Warn("launch_command_failed", slog.String("session_id", snap.ID), slog.String("error", err.Error()))
		}
	}

	sessLog.Info("session_created",
		slog.String("session_id", snap.ID),
		slog.Int("number", snap.Number),
		slog.String("alias", snap.Alias),
		slog.String("kind", string(snap.Kind)),
		slog.String("dir", snap.WorkingDir))
	if attach != nil {
		attach(snap, pane)
	}
	return snap, nil
}

// Kill terminates the session's multiplexer session and marks it exited.
// Multiplexer failures are logged, not returned. Unknown ids yield nil, nil.
func (m *Manager) Kill(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return nil, nil
	}
	name := s.TmuxSession
	m.mu.Unlock()

	if err := m.mux.KillSession(ctx, name); err != nil {
		sessLog.Warn("tmux_kill_failed", slog.String("session_id", id), slog.String("error", err.Error()))
	}

	snap, detach := m.markExited(id, s)
	sessLog.Info("session_killed", slog.String("session_id", id), slog.Int("number", snap.Number))
	if detach != nil {
		detach(id)
	}
	return &snap, nil
}

// markExited removes s from the live set and persists the exited status.
func (m *Manager) markExited(id string, s *Session) (Session, DetachFunc) {
	m.mu.Lock()
	s.Status = StatusExited
	s.UpdatedAt = m.now()
	delete(m.sessions, id)
	delete(m.panes, id)
	snap := *s
	detach := m.onDetach
	m.mu.Unlock()

	m.persist(id, map[string]any{statedb.ColStatus: string(StatusExited)})
	return snap, detach
}

// Pause stops the session's process with SIGSTOP.
func (m *Manager) Pause(id string) (*Session, error) {
	return m.signal(id, m.stop, StatusPaused, "session_paused")
}

// Resume continues the session's process with SIGCONT.
func (m *Manager) Resume(id string) (*Session, error) {
	return m.signal(id, m.cont, StatusRunning, "session_resumed")
}

// signal delivers a job-control signal. A process that no longer exists is
// not an error: the session becomes exited instead. Without a tracked pid
// nothing is sent and the session comes back unchanged.
func (m *Manager) signal(id string, send func(int) error, target Status, event string) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return nil, nil
	}
	pid := s.PID
	if pid <= 0 {
		snap := *s
		m.mu.Unlock()
		sessLog.Warn("signal_skipped_no_pid", slog.String("session_id", id), slog.String("status", string(snap.Status)))
		return &snap, nil
	}
	m.mu.Unlock()

	err := send(pid)
	switch {
	case err == nil:
	case m.isGoneFn(err):
		snap, detach := m.markExited(id, s)
		sessLog.Info("session_process_gone", slog.String("session_id", id), slog.Int("pid", pid))
		if detach != nil {
			detach(id)
		}
		return &snap, nil
	default:
		return nil, fmt.Errorf("session: signal pid %d: %w", pid, err)
	}

	m.mu.Lock()
	s.Status = target
	s.UpdatedAt = m.now()
	snap := *s
	m.mu.Unlock()

	m.persist(id, map[string]any{statedb.ColStatus: string(target)})
	sessLog.Info(event, slog.String("session_id", id), slog.Int("number", snap.Number))
	return &snap, nil
}

// Rename validates before touching any state.
func (m *Manager) Rename(id, alias string) (*Session, error) {
	if err := validateAlias(alias); err != nil {
		return nil, err
	}
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return nil, nil
	}
	s.Alias = alias
	s.UpdatedAt = m.now()
	snap := *s
	m.mu.Unlock()

	m.persist(id, map[string]any{statedb.ColAlias: alias})
	return &snap, nil
}

// SendInput types text followed by Enter into the pane. It returns false
// when no pane is tracked or the write fails. Only the length is logged.
func (m *Manager) SendInput(ctx context.Context, id, text string) bool {
	m.mu.Lock()
	pane := m.panes[id]
	m.mu.Unlock()
	if pane == nil {
		return false
	}
	if err := pane.SendKeys(ctx, text, true); err != nil {
		sessLog.Warn("send_input_failed",
			slog.String("session_id", id),
			slog.Int("length", len(text)),
			slog.String("error", err.Error()))
		return false
	}
	sessLog.Info("input_sent", slog.String("session_id", id), slog.Int("length", len(text)))

	m.mu.Lock()
	s, ok := m.sessions[id]
	wasWaiting := ok && s.Status == StatusWaiting
	if wasWaiting {
		s.Status = StatusRunning
		s.UpdatedAt = m.now()
	}
	m.mu.Unlock()
	if wasWaiting {
		m.persist(id, map[string]any{statedb.ColStatus: string(StatusRunning)})
	}
	return true
}

// Resolve finds a live session by number, then alias (case-insensitive),
// then id.
func (m *Manager) Resolve(identifier string) *Session {
	identifier = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(identifier), "#"))
	if identifier == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if n, err := strconv.Atoi(identifier); err == nil {
		for _, s := range m.sessions {
			if s.Number == n {
				snap := *s
				return &snap
			}
		}
	}
	for _, s := range m.sessions {
		if strings.EqualFold(s.Alias, identifier) {
			snap := *s
			return &snap
		}
	}
	if s, ok := m.sessions[identifier]; ok {
		snap := *s
		return &snap
	}
	return nil
}

// Suggest returns up to three live session labels fuzzily matching
// identifier, best first.
func (m *Manager) Suggest(identifier string) []string {
	list := m.List()
	aliases := make([]string, len(list))
	for i, s := range list {
		aliases[i] = s.Alias
	}
	matches := fuzzy.Find(identifier, aliases)
	var out []string
	for i, match := range matches {
		if i == 3 {
			break
		}
		out = append(out, list[match.Index].Label())
	}
	return out
}

// Get returns a copy of a live session.
func (m *Manager) Get(id string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Pane returns the tracked pane for a live session, or nil.
func (m *Manager) Pane(id string) tmux.Pane {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.panes[id]
}

// List returns live sessions ordered by number.
func (m *Manager) List() []Session {
	m.mu.Lock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, *s)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// SetStatus records a detector- or operator-driven transition. Setting
// exited removes the session from the live set.
func (m *Manager) SetStatus(id string, status Status) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if status == StatusExited {
		m.mu.Unlock()
		_, detach := m.markExited(id, s)
		if detach != nil {
			detach(id)
		}
		return nil
	}
	if s.Status == status {
		m.mu.Unlock()
		return nil
	}
	from := s.Status
	s.Status = status
	s.UpdatedAt = m.now()
	m.mu.Unlock()

	m.persist(id, map[string]any{statedb.ColStatus: string(status)})
	sessLog.Debug("status_changed",
		slog.String("session_id", id),
		slog.String("from", string(from)),
		slog.String("to", string(status)))
	return nil
}

// Touch stamps last activity.
func (m *Manager) Touch(id string, at time.Time) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	s.LastActivity = at
	m.mu.Unlock()

	m.persist(id, map[string]any{statedb.ColLastActivity: at})
	return nil
}

// UpdateSummary stores the latest completion summary.
func (m *Manager) UpdateSummary(id, summary string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	s.LastSummary = summary
	m.mu.Unlock()

	m.persist(id, map[string]any{statedb.ColLastSummary: summary})
	return nil
}

// UpdateTokens stores the usage estimate.
func (m *Manager) UpdateTokens(id string, used, limit int) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	s.TokenUsed = used
	s.TokenLimit = limit
	m.mu.Unlock()

	m.persist(id, map[string]any{statedb.ColTokenUsed: used, statedb.ColTokenLimit: limit})
	return nil
}

// LoadFromStore re-tracks stored live sessions whose multiplexer session
// still exists and marks the rest exited.
func (m *Manager) LoadFromStore(ctx context.Context) ([]Session, error) {
	rows, err := m.store.ListSessions(false)
	if err != nil {
		return nil, fmt.Errorf("session: load: %w", err)
	}
	if n, err := m.store.MaxSessionNumber(); err == nil {
		m.mu.Lock()
		if n+1 > m.nextNumber {
			m.nextNumber = n + 1
		}
		m.mu.Unlock()
	}

	type attachment struct {
		s    Session
		pane tmux.Pane
	}
	var loaded []attachment
	for _, row := range rows {
		s := fromRow(row)
		pane, err := m.mux.FindPane(ctx, s.TmuxSession)
		if err != nil {
			sessLog.Info("stored_session_gone",
				slog.String("session_id", s.ID),
				slog.String("tmux_session", s.TmuxSession))
			m.persist(s.ID, map[string]any{statedb.ColStatus: string(StatusExited)})
			continue
		}

		m.mu.Lock()
		if m.trackedLocked(s.Number, s.TmuxSession) {
			m.mu.Unlock()
			continue
		}
		if s.Marker == "" || m.markerInUseLocked(s.Marker) {
			s.Marker = m.adoptMarkerLocked(s.TmuxSession)
		}
		s.PaneID = pane.ID()
		s.PID = pane.PID()
		m.sessions[s.ID] = s
		m.panes[s.ID] = pane
		if s.Number >= m.nextNumber {
			m.nextNumber = s.Number + 1
		}
		loaded = append(loaded, attachment{s: *s, pane: pane})
		m.mu.Unlock()
	}

	m.mu.Lock()
	attach := m.onAttach
	m.mu.Unlock()

	out := make([]Session, 0, len(loaded))
	for _, a := range loaded {
		if attach != nil {
			attach(a.s, a.pane)
		}
		out = append(out, a.s)
	}
	if len(out) > 0 {
		sessLog.Info("sessions_loaded", slog.Int("count", len(out)))
	}
	return out, nil
}

// Recover adopts multiplexer sessions that follow the naming convention
// but are not tracked, skipping any whose process is dead.
func (m *Manager) Recover(ctx context.Context) ([]Session, error) {
	names, err := m.mux.ListSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("session: recover: %w", err)
	}
	sort.Strings(names)

	var recovered []Session
	var panes []tmux.Pane
	for _, name := range names {
		number, ok := m.parseName(name)
		if !ok {
			continue
		}
		m.mu.Lock()
		tracked := m.trackedLocked(number, name)
		m.mu.Unlock()
		if tracked {
			continue
		}

		pane, err := m.mux.FindPane(ctx, name)
		if err != nil {
			continue
		}
		if pid := pane.PID(); pid > 0 && !m.alive(pid) {
			sessLog.Info("recover_skip_dead", slog.String("tmux_session", name), slog.Int("pid", pid))
			continue
		}
		dir, err := pane.CurrentPath(ctx)
		if err != nil || dir == "" {
			dir = "~"
		}

		now := m.now()
		m.mu.Lock()
		marker := m.adoptMarkerLocked(name)
		s := &Session{
			ID:          m.newID(),
			Number:      number,
			Alias:       m.aliasForLocked(dir),
			Kind:        KindAssistant,
			WorkingDir:  dir,
			TmuxSession: name,
			PaneID:      pane.ID(),
			PID:         pane.PID(),
			Status:      StatusRunning,
			Marker:      marker,
			TokenLimit:  m.opts.TokenLimit,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		m.sessions[s.ID] = s
		m.panes[s.ID] = pane
		if number >= m.nextNumber {
			m.nextNumber = number + 1
		}
		snap := *s
		m.mu.Unlock()

		if err := m.store.CreateSession(toRow(&snap)); err != nil {
			sessLog.Warn("session_persist_failed", slog.String("session_id", snap.ID), slog.String("error", err.Error()))
		}
		sessLog.Info("session_recovered", slog.String("session_id", snap.ID), slog.Int("number", number), slog.String("alias", snap.Alias))
		recovered = append(recovered, snap)
		panes = append(panes, pane)
	}

	m.mu.Lock()
	attach := m.onAttach
	m.mu.Unlock()
	if attach != nil {
		for i, s := range recovered {
			attach(s, panes[i])
		}
	}
	return recovered, nil
}

// HealthCheck probes each live session: a missing multiplexer session
// means exited, a dead pane process means error.
func (m *Manager) HealthCheck(ctx context.Context) []Change {
	return m.check(ctx, true)
}

// Revalidate only checks that multiplexer sessions still exist. It runs
// after a host wake.
func (m *Manager) Revalidate(ctx context.Context) []Change {
	return m.check(ctx, false)
}

func (m *Manager) check(ctx context.Context, probePID bool) []Change {
	var changes []Change
	for _, s := range m.List() {
		if !m.mux.HasSession(ctx, s.TmuxSession) {
			if err := m.SetStatus(s.ID, StatusExited); err == nil {
				s2 := s
				s2.Status = StatusExited
				changes = append(changes, Change{Session: s2, From: s.Status})
			}
			continue
		}
		if !probePID || s.PID <= 0 || s.Status == StatusError || m.alive(s.PID) {
			continue
		}
		if err := m.SetStatus(s.ID, StatusError); err == nil {
			s2 := s
			s2.Status = StatusError
			changes = append(changes, Change{Session: s2, From: s.Status})
		}
	}
	for _, c := range changes {
		sessLog.Info("health_status_changed",
			slog.String("session_id", c.Session.ID),
			slog.String("from", string(c.From)),
			slog.String("to", string(c.Session.Status)))
	}
	return changes
}

func (m *Manager) persist(id string, fields map[string]any) {
	if err := m.store.UpdateSession(id, fields); err != nil {
		sessLog.Warn("session_persist_failed", slog.String("session_id", id), slog.String("error", err.Error()))
	}
}

func (m *Manager) parseName(name string) (int, bool) {
	m.mu.Lock()
	prefix := m.opts.NamePrefix
	m.mu.Unlock()
	if !strings.HasPrefix(name, prefix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(name, prefix))
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

func (m *Manager) trackedLocked(number int, name string) bool {
	for _, s := range m.sessions {
		if s.Number == number || s.TmuxSession == name {
			return true
		}
	}
	for r := range m.reserved {
		if r.name != "" && (r.number == number || r.name == name) {
			return true
		}
	}
	return false
}

func (m *Manager) markerInUseLocked(marker string) bool {
	for _, s := range m.sessions {
		if s.Marker == marker {
			return true
		}
	}
	for r := range m.reserved {
		if r.marker == marker {
			return true
		}
	}
	return false
}

func (m *Manager) freeMarkerLocked() (string, bool) {
	for _, mk := range Markers {
		if !m.markerInUseLocked(mk) {
			return mk, true
		}
	}
	return "", false
}

// adoptMarkerLocked picks a marker for a session that already exists in the
// multiplexer. Adoption cannot be refused, so a full palette falls back to
// the first marker.
func (m *Manager) adoptMarkerLocked(name string) string {
	if mk, ok := m.freeMarkerLocked(); ok {
		return mk
	}
	sessLog.Warn("markers_exhausted_on_adopt", slog.String("tmux_session", name), slog.String("marker", Markers[0]))
	return Markers[0]
}

func (m *Manager) aliasForLocked(dir string) string {
	clean := filepath.Clean(dir)
	for path, alias := range m.opts.Aliases {
		p, err := filepath.Abs(config.ExpandHome(path))
		if err == nil && p == clean {
			return alias
		}
	}
	return AliasFromDir(dir)
}

// allocateName hands r the next number whose multiplexer name is free.
// Numbers are taken under the lock; the existence checks run without it.
func (m *Manager) allocateName(ctx context.Context, r *reservation) error {
	for i := 0; i < 1000; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		m.mu.Lock()
		n := m.nextNumber
		m.nextNumber++
		name := m.opts.NamePrefix + strconv.Itoa(n)
		m.mu.Unlock()
		if m.mux.HasSession(ctx, name) {
			continue
		}
		m.mu.Lock()
		r.number, r.name = n, name
		m.mu.Unlock()
		return nil
	}
	return errors.New("session: no free multiplexer session name")
}

// release drops a reservation whose Create failed. The number stays used.
func (m *Manager) release(r *reservation) {
	m.mu.Lock()
	delete(m.reserved, r)
	m.mu.Unlock()
}
