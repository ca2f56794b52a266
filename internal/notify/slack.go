package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/johndauphine/crm-pg-loader/internal/config"
)

// Notifier sends notifications to Slack
type Notifier struct {
	config     *config.SlackConfig
	httpClient *http.Client
}

// SlackMessage represents a Slack webhook message
type SlackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Username    string            `json:"username,omitempty"`
	IconEmoji   string            `json:"icon_emoji,omitempty"`
	Text        string            `json:"text,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment represents a Slack message attachment
type SlackAttachment struct {
	Color      string       `json:"color,omitempty"`
	Title      string       `json:"title,omitempty"`
	Text       string       `json:"text,omitempty"`
	Fields     []SlackField `json:"fields,omitempty"`
	Footer     string       `json:"footer,omitempty"`
	FooterIcon string       `json:"footer_icon,omitempty"`
	Timestamp  int64        `json:"ts,omitempty"`
}

// SlackField represents a field in a Slack attachment
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// New creates a new Slack notifier
func New(cfg *config.SlackConfig) *Notifier {
	if cfg == nil {
		cfg = &config.SlackConfig{Enabled: false}
	}
	return &Notifier{
		config: cfg,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// IsEnabled returns true if notifications are enabled
func (n *Notifier) IsEnabled() bool {
	return n.config != nil && n.config.Enabled && n.config.WebhookURL != ""
}

// LoadStarted sends notification when a load run starts
func (n *Notifier) LoadStarted(runID, mode string, entityCount int) error {
	if !n.IsEnabled() {
		return nil
	}

	msg := SlackMessage{
		Channel:   n.config.Channel,
		Username:  n.getUsername(),
		IconEmoji: ":rocket:",
		Attachments: []SlackAttachment{
			{
				Color: "#36a64f", // green
				Title: "Load Started",
				Fields: []SlackField{
					{Title: "Run ID", Value: runID, Short: true},
					{Title: "Mode", Value: mode, Short: true},
					{Title: "Entity Types", Value: fmt.Sprintf("%d", entityCount), Short: true},
				},
				Footer:    "crm-pg-loader",
				Timestamp: time.Now().Unix(),
			},
		},
	}

	return n.send(msg)
}

// LoadCompleted sends notification when a run finishes with a clean ledger
func (n *Notifier) LoadCompleted(runID string, startTime time.Time, duration time.Duration, entityCount int, records int64) error {
	if !n.IsEnabled() {
		return nil
	}

	headerText := fmt.Sprintf("Load run completed successfully. Loaded %s records across %d entity types.",
		formatNumberWithCommas(records), entityCount)

	msg := SlackMessage{
		Channel:   n.config.Channel,
		Username:  n.getUsername(),
		IconEmoji: ":white_check_mark:",
		Text:      headerText,
		Attachments: []SlackAttachment{
			{
				Color: "#36a64f", // green
				Fields: []SlackField{
					{Title: "Run ID", Value: runID, Short: true},
					{Title: "Started", Value: startTime.UTC().Format("2006-01-02 15:04:05 UTC"), Short: true},
					{Title: "Duration", Value: formatDuration(duration), Short: true},
					{Title: "Entity Types", Value: fmt.Sprintf("%d", entityCount), Short: true},
					{Title: "Records", Value: formatNumberWithCommas(records), Short: true},
				},
				Footer:    "crm-pg-loader",
				Timestamp: time.Now().Unix(),
			},
		},
	}

	return n.send(msg)
}

// LoadCompletedWithErrors sends notification when a run finishes but left
// unresolved entries in the error ledger
func (n *Notifier) LoadCompletedWithErrors(runID string, startTime time.Time, duration time.Duration,
	records int64, unresolved int, failedEntities []string) error {
	if !n.IsEnabled() {
		return nil
	}

	// Build failure summary
	failureSummary := ""
	if len(failedEntities) > 0 {
		if len(failedEntities) <= 5 {
			failureSummary = failedEntities[0]
			for i := 1; i < len(failedEntities); i++ {
				failureSummary += ", " + failedEntities[i]
			}
		} else {
			failureSummary = fmt.Sprintf("%s, %s, %s... and %d more",
				failedEntities[0], failedEntities[1], failedEntities[2], len(failedEntities)-3)
		}
	}

	headerText := fmt.Sprintf("Load run completed with errors. Loaded %s records, %d ledger entries unresolved.",
		formatNumberWithCommas(records), unresolved)

	fields := []SlackField{
		{Title: "Run ID", Value: runID, Short: true},
		{Title: "Started", Value: startTime.UTC().Format("2006-01-02 15:04:05 UTC"), Short: true},
		{Title: "Duration", Value: formatDuration(duration), Short: true},
		{Title: "Records", Value: formatNumberWithCommas(records), Short: true},
		{Title: "Unresolved Errors", Value: fmt.Sprintf("%d", unresolved), Short: true},
	}
	if failureSummary != "" {
		fields = append(fields, SlackField{Title: "Entity Types With Failures", Value: failureSummary, Short: false})
	}

	msg := SlackMessage{
		Channel:   n.config.Channel,
		Username:  n.getUsername(),
		IconEmoji: ":warning:",
		Text:      headerText,
		Attachments: []SlackAttachment{
			{
				Color:     "#ffc107", // yellow/orange
				Fields:    fields,
				Footer:    "crm-pg-loader",
				Timestamp: time.Now().Unix(),
			},
		},
	}

	return n.send(msg)
}

// LoadFailed sends notification when a run aborts
func (n *Notifier) LoadFailed(runID string, err error, duration time.Duration) error {
	if !n.IsEnabled() {
		return nil
	}

	errMsg := "Unknown error"
	if err != nil {
		errMsg = err.Error()
		if len(errMsg) > 500 {
			errMsg = errMsg[:500] + "..."
		}
	}

	msg := SlackMessage{
		Channel:   n.config.Channel,
		Username:  n.getUsername(),
		IconEmoji: ":x:",
		Attachments: []SlackAttachment{
			{
				Color: "#dc3545", // red
				Title: "Load Failed",
				Fields: []SlackField{
					{Title: "Run ID", Value: runID, Short: true},
					{Title: "Duration", Value: duration.Round(time.Second).String(), Short: true},
					{Title: "Error", Value: errMsg, Short: false},
				},
				Footer:    "crm-pg-loader",
				Timestamp: time.Now().Unix(),
			},
		},
	}

	return n.send(msg)
}

func (n *Notifier) send(msg SlackMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}

	resp, err := n.httpClient.Post(n.config.WebhookURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("sending to Slack: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("Slack returned status %d", resp.StatusCode)
	}

	return nil
}

func (n *Notifier) getUsername() string {
	if n.config.Username != "" {
		return n.config.Username
	}
	return "crm-pg-loader"
}

func formatNumberWithCommas(n int64) string {
	str := fmt.Sprintf("%d", n)
	if len(str) <= 3 {
		return str
	}

	var result []byte
	for i, c := range str {
		if i > 0 && (len(str)-i)%3 == 0 {
			result = append(result, ',')
		}
		result = append(result, byte(c))
	}
	return string(result)
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
