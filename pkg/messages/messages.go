// Package messages renders the outbound reminder texts. The engine
// treats the result as opaque; everything about wording lives here.
package messages

import (
	"fmt"
	"strings"
	"time"

	"github.com/korjavin/gamenight/pkg/gateway"
	"github.com/korjavin/gamenight/pkg/logger"
	"github.com/korjavin/gamenight/pkg/models"
	"github.com/korjavin/gamenight/pkg/openai"
	"github.com/korjavin/gamenight/pkg/roster"
	"github.com/korjavin/gamenight/pkg/rotation"
	"github.com/korjavin/gamenight/pkg/stats"
)

const foodHistoryDepth = 5

// Service composes reminder payloads. The OpenAI client is optional; if
// present, outgoing texts are rewritten in the bot's voice, with the
// plain rendering as fallback.
type Service struct {
	stats        *stats.Service
	rotation     *rotation.Service
	roster       *roster.Service
	openaiClient *openai.Client
	logger       *logger.Logger
}

// New creates a new message service
func New(statsService *stats.Service, rotationService *rotation.Service, rosterService *roster.Service, openaiClient *openai.Client) *Service {
	return &Service{
		stats:        statsService,
		rotation:     rotationService,
		roster:       rosterService,
		openaiClient: openaiClient,
		logger:       logger.New("messages"),
	}
}

// Compose renders the payload for one reminder task.
func (s *Service) Compose(sr *models.EventSeries, instance *models.EventInstance, kind models.TaskKind) (gateway.Payload, error) {
	var text string
	var err error

	switch kind {
	case models.TaskAttendanceReminder:
		text, err = s.attendanceText(sr, instance)
	case models.TaskFoodReminder:
		text, err = s.foodText(sr, instance)
	default:
		return gateway.Payload{}, fmt.Errorf("unknown task kind: %s", kind)
	}
	if err != nil {
		return gateway.Payload{}, err
	}

	return gateway.Payload{
		Kind:        kind,
		Text:        s.flavor(text),
		InstanceID:  instance.ID,
		ScheduledAt: instance.ScheduledAt,
	}, nil
}

func (s *Service) attendanceText(sr *models.EventSeries, instance *models.EventInstance) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "🎲 %s on %s\n", sr.Name, formatWhen(instance.ScheduledAt, sr.Rule.Timezone))

	summary, err := s.stats.Attendance(sr.ID, instance.ID)
	if err != nil {
		return "", err
	}
	if len(summary.Yes) > 0 {
		fmt.Fprintf(&b, "✅ Coming: %s\n", strings.Join(summary.Yes, ", "))
	}
	if len(summary.Maybe) > 0 {
		fmt.Fprintf(&b, "🤔 Maybe: %s\n", strings.Join(summary.Maybe, ", "))
	}
	if len(summary.No) > 0 {
		fmt.Fprintf(&b, "❌ Out: %s\n", strings.Join(summary.No, ", "))
	}
	if len(summary.NoResponse) > 0 {
		fmt.Fprintf(&b, "😶 No answer yet: %s\n", strings.Join(summary.NoResponse, ", "))
	}

	b.WriteString("\nWill you be attending?")
	return b.String(), nil
}

func (s *Service) foodText(sr *models.EventSeries, instance *models.EventInstance) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "🍕 %s on %s\n", sr.Name, formatWhen(instance.ScheduledAt, sr.Rule.Timezone))

	history, err := s.stats.FoodHistory(sr.ID, foodHistoryDepth)
	if err != nil {
		return "", err
	}
	if len(history) > 0 {
		b.WriteString("The last people to bring food were:\n")
		for _, entry := range history {
			fmt.Fprintf(&b, "- [%s] %s\n", entry.Date.Format("2006-01-02"), entry.Name)
		}
	}

	assignment, err := s.rotation.Get(instance.ID)
	if err == nil && assignment.ParticipantID != "" {
		name := assignment.ParticipantID
		if p, perr := s.roster.Get(sr.ID, assignment.ParticipantID); perr == nil {
			name = p.Name
		}
		fmt.Fprintf(&b, "\n%s is up to bring food. Confirm below, or decline and the next in line takes over.", name)
	} else {
		b.WriteString("\nWho brings food this time?")
	}
	return b.String(), nil
}

// flavor runs the text through the AI voice when a client is configured.
func (s *Service) flavor(text string) string {
	if s.openaiClient == nil {
		return text
	}
	flavored, err := s.openaiClient.FlavorText(text)
	if err != nil {
		s.logger.Warn("Failed to flavor message, sending plain text: %v", err)
		return text
	}
	return flavored
}

func formatWhen(at time.Time, timezone string) string {
	if loc, err := time.LoadLocation(timezone); err == nil {
		at = at.In(loc)
	}
	return at.Format("Mon Jan 2 at 15:04")
}
