// ABOUTME: Built-in care team engine - a small multi-agent turn machine
// ABOUTME: An advisor and a responder take turns per user message, with an optional song lookup

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

// Turn names for the care team state machine. The machine parks on
// TurnUser between runs; each run walks advisor -> responder -> user.
const (
	TurnAdvisor   = "advisor-turn"
	TurnResponder = "responder-turn"
	TurnUser      = "user-turn"
)

// Team member names, used as the Agent field of emitted events.
const (
	agentAdvisor   = "advisor"
	agentResponder = "responder"
)

// SongFinder looks up a song suggestion for a mood. Implementations wrap
// whatever external catalog is available; the engine only needs one hit.
type SongFinder interface {
	FindSong(ctx context.Context, mood string) (title, artist string, err error)
}

// teamState is the resumable dialogue state the team hands back through the
// terminal event and reloads on the next run.
type teamState struct {
	Turn         string            `json:"turn"`
	UserMessages int               `json:"user_messages"`
	Transcript   []transcriptEntry `json:"transcript"`
}

type transcriptEntry struct {
	Agent string `json:"agent"` // "user" for inbound messages
	Text  string `json:"text"`
}

// Team is the built-in conversation engine: an advisor who reads the user's
// message and frames what matters, and a responder who turns that into a
// direct reply. Mentioning music routes through the SongFinder.
type Team struct {
	songs  SongFinder
	logger *slog.Logger
}

// NewTeam creates the care team engine
func NewTeam(songs SongFinder, logger *slog.Logger) *Team {
	if logger == nil {
		logger = slog.Default()
	}
	if songs == nil {
		songs = StaticSongFinder{}
	}
	return &Team{
		songs:  songs,
		logger: logger.With("component", "care_team"),
	}
}

// Name identifies the engine
func (t *Team) Name() string { return "care_team" }

// Run processes one user message through the team and streams the turns.
func (t *Team) Run(ctx context.Context, req *RunRequest) (<-chan *Event, error) {
	state := t.loadState(req.State)
	out := make(chan *Event, 16)
	go t.run(ctx, req, state, out)
	return out, nil
}

// loadState decodes a prior state blob, falling back to a fresh dialogue on
// anything unreadable.
func (t *Team) loadState(blob json.RawMessage) *teamState {
	state := &teamState{Turn: TurnUser}
	if len(blob) == 0 {
		return state
	}
	if err := json.Unmarshal(blob, state); err != nil {
		t.logger.Warn("unreadable prior state, starting fresh", "error", err)
		return &teamState{Turn: TurnUser}
	}
	if state.Turn == "" {
		state.Turn = TurnUser
	}
	return state
}

func (t *Team) run(ctx context.Context, req *RunRequest, state *teamState, out chan<- *Event) {
	defer close(out)
	// A panic anywhere in the run, including inside a SongFinder, becomes the
	// run's terminal failure instead of taking the process down.
	defer func() {
		if p := recover(); p != nil {
			t.logger.Error("care team run panicked", "task_id", req.TaskID, "panic", p)
			out <- failure(fmt.Sprintf("engine panicked: %v", p))
		}
	}()

	state.UserMessages++
	state.Transcript = append(state.Transcript, transcriptEntry{Agent: "user", Text: req.Message})

	// Advisor turn: frame the message for the responder
	state.Turn = TurnAdvisor
	advice := t.advise(req.Message, state.UserMessages)
	state.Transcript = append(state.Transcript, transcriptEntry{Agent: agentAdvisor, Text: advice})
	if !emit(ctx, out, &Event{Type: EventStream, Agent: agentAdvisor, Text: advice}) {
		t.cancelled(out, state)
		return
	}

	// Song lookup when the user brings up music
	var songLine string
	if mood, ok := detectSongRequest(req.Message); ok {
		title, artist, err := t.songs.FindSong(ctx, mood)
		if err != nil {
			if ctx.Err() != nil {
				t.cancelled(out, state)
				return
			}
			t.logger.Warn("song lookup failed", "mood", mood, "error", err)
			if !emit(ctx, out, &Event{
				Type: EventToolResult,
				Tool: &ToolResult{Name: "song_finder", Output: err.Error(), IsError: true},
			}) {
				t.cancelled(out, state)
				return
			}
		} else {
			songLine = fmt.Sprintf("%q by %s", title, artist)
			if !emit(ctx, out, &Event{
				Type: EventToolResult,
				Tool: &ToolResult{Name: "song_finder", Output: songLine},
			}) {
				t.cancelled(out, state)
				return
			}
		}
	}

	// Responder turn: the reply the user actually reads
	state.Turn = TurnResponder
	reply := t.respond(req.Message, songLine, state.UserMessages)
	state.Transcript = append(state.Transcript, transcriptEntry{Agent: agentResponder, Text: reply})
	if !emit(ctx, out, &Event{Type: EventStream, Agent: agentResponder, Text: reply}) {
		t.cancelled(out, state)
		return
	}

	// Hand the turn back to the user and finish
	state.Turn = TurnUser
	blob, err := json.Marshal(state)
	if err != nil {
		emit(ctx, out, failure(fmt.Sprintf("encoding state: %v", err)))
		return
	}
	emit(ctx, out, &Event{Type: EventTerminal, Success: true, State: blob})
}

// cancelled emits the terminal failure for an interrupted run. The turn
// stays wherever the machine was so the transcript shows where it stopped.
func (t *Team) cancelled(out chan<- *Event, state *teamState) {
	blob, _ := json.Marshal(state)
	// Unconditional send: the channel is buffered and ours to close
	out <- &Event{Type: EventTerminal, Success: false, Error: "run cancelled", State: blob}
}

// emit sends an event unless the run has been cancelled
func emit(ctx context.Context, out chan<- *Event, ev *Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// advise produces the advisor's framing of the user's message.
func (t *Team) advise(message string, userMessages int) string {
	lower := strings.ToLower(message)

	var theme string
	switch {
	case containsAny(lower, "work", "job", "boss", "career"):
		theme = "This sounds like it's about work. Focus on what's in their control."
	case containsAny(lower, "sad", "down", "lonely", "depressed"):
		theme = "They're carrying something heavy. Lead with warmth before advice."
	case containsAny(lower, "stress", "anxious", "anxiety", "overwhelmed"):
		theme = "Stress is the thread here. Help them shrink the problem to one next step."
	case containsAny(lower, "sleep", "tired", "exhausted"):
		theme = "They're running on empty. Rest comes before problem-solving."
	default:
		theme = "Nothing acute stands out. Ask what matters most to them right now."
	}

	if userMessages >= 3 {
		theme += " We're several messages in, so connect this back to what they said earlier."
	}
	return theme
}

// respond produces the responder's reply to the user.
func (t *Team) respond(message, songLine string, userMessages int) string {
	lower := strings.ToLower(message)

	var reply string
	switch {
	case containsAny(lower, "work", "job", "boss", "career"):
		reply = "Work can take up so much space. What's the one part of this you could actually change this week?"
	case containsAny(lower, "sad", "down", "lonely", "depressed"):
		reply = "I'm sorry it's been heavy lately. You don't have to fix it all today - what would make the next hour a little lighter?"
	case containsAny(lower, "stress", "anxious", "anxiety", "overwhelmed"):
		reply = "That's a lot to hold at once. Let's pick the smallest piece: what's the very next thing that needs to happen?"
	case containsAny(lower, "sleep", "tired", "exhausted"):
		reply = "It sounds like you're running on fumes. Before anything else, what would it take to get a real night's sleep?"
	default:
		reply = "Thanks for sharing that. Tell me a bit more - what's weighing on you most right now?"
	}

	if songLine != "" {
		reply += " Also, put on " + songLine + " - it fits the moment."
	}
	if userMessages >= 3 {
		reply += " And for what it's worth, I've noticed you keep coming back to this - that usually means it matters."
	}
	return reply
}

// detectSongRequest reports whether the message asks for music and picks the
// mood to search with.
func detectSongRequest(message string) (mood string, ok bool) {
	lower := strings.ToLower(message)
	if !containsAny(lower, "music", "song", "playlist", "listen") {
		return "", false
	}
	switch {
	case containsAny(lower, "sad", "down", "lonely"):
		return "melancholy", true
	case containsAny(lower, "stress", "anxious", "overwhelmed"):
		return "calm", true
	case containsAny(lower, "happy", "celebrate", "good news"):
		return "upbeat", true
	default:
		return "mellow", true
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// StaticSongFinder is the built-in catalog used when no external song
// service is configured.
type StaticSongFinder struct{}

// FindSong returns a fixed suggestion per mood
func (StaticSongFinder) FindSong(_ context.Context, mood string) (string, string, error) {
	switch mood {
	case "melancholy":
		return "Holocene", "Bon Iver", nil
	case "calm":
		return "Weightless", "Marconi Union", nil
	case "upbeat":
		return "September", "Earth, Wind & Fire", nil
	default:
		return "Harvest Moon", "Neil Young", nil
	}
}
