package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"agentflow/internal/config"
	"agentflow/internal/models"
	"agentflow/pkg/utils"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"
)

// Output sends one rendered message through one channel kind.
type Output interface {
	Send(ctx context.Context, cfg models.OutputConfig, message string, vars map[string]string) error
}

// Dispatcher fans a processing result out to the automation's channels.
// Channel errors are logged and swallowed: a failed notification must not
// abort an otherwise-successful run.
type Dispatcher struct {
	outputs map[string]Output
	logger  *logrus.Logger
}

func NewDispatcher(logger *logrus.Logger) *Dispatcher {
	if logger == nil {
		logger = logrus.New()
	}
	return &Dispatcher{
		outputs: make(map[string]Output),
		logger:  logger,
	}
}

// Register installs an adapter for an output type.
func (d *Dispatcher) Register(outputType string, out Output) {
	d.outputs[outputType] = out
}

// agentExecutable marks channels the agent job performs itself when it runs
// (posting comments, sending chat messages). The dispatcher only sends these
// when no agent ran; fixed channels like webhooks it always sends.
func agentExecutable(outputType string) bool {
	switch outputType {
	case models.OutputSlack, models.OutputTelegram, models.OutputGitHubComment, models.OutputJiraComment:
		return true
	}
	return false
}

// Dispatch renders and sends every enabled output. agentRan skips the
// channels the agent already served.
func (d *Dispatcher) Dispatch(ctx context.Context, outputs []models.OutputConfig, fallbackMessage string, vars map[string]string, agentRan bool) {
	for _, out := range outputs {
		if !out.Enabled {
			continue
		}
		if agentRan && agentExecutable(out.Type) {
			continue
		}
		d.send(ctx, out, fallbackMessage, vars)
	}
}

// NotifyFailure sends a best-effort failure message through the enabled chat
// channels. Secondary send failures are swallowed.
func (d *Dispatcher) NotifyFailure(ctx context.Context, outputs []models.OutputConfig, message string, vars map[string]string) {
	for _, out := range outputs {
		if !out.Enabled {
			continue
		}
		if out.Type != models.OutputSlack && out.Type != models.OutputTelegram {
			continue
		}
		cfg := out
		cfg.Template = "" // failure text goes out verbatim
		d.send(ctx, cfg, message, vars)
	}
}

func (d *Dispatcher) send(ctx context.Context, out models.OutputConfig, fallbackMessage string, vars map[string]string) {
	adapter, ok := d.outputs[out.Type]
	if !ok {
		d.logger.Warnf("dispatch: %v", &UnsupportedError{Kind: "output", Value: out.Type})
		return
	}

	message := fallbackMessage
	if out.Template != "" {
		message = utils.Interpolate(out.Template, vars)
	}

	if err := adapter.Send(ctx, out, message, vars); err != nil {
		d.logger.Warnf("dispatch: %s send failed: %v", out.Type, err)
	}
}

// SlackOutput posts to a Slack incoming webhook.
type SlackOutput struct {
	webhookURL string // shared default; per-output URL wins
	httpClient *http.Client
}

func NewSlackOutput(cfg config.SlackConfig) *SlackOutput {
	return &SlackOutput{
		webhookURL: cfg.WebhookURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

func (o *SlackOutput) Send(ctx context.Context, cfg models.OutputConfig, message string, vars map[string]string) error {
	url := cfg.WebhookURL
	if url == "" {
		url = o.webhookURL
	}
	if url == "" {
		return configErrorf("slack output needs a webhook URL")
	}
	return postJSON(ctx, o.httpClient, url, map[string]interface{}{"text": message})
}

// TelegramSender is the tgbotapi surface used here, extracted for tests.
type TelegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramOutput sends a chat message through a Telegram bot.
type TelegramOutput struct {
	bot    TelegramSender
	chatID int64
}

func NewTelegramOutput(cfg config.TelegramConfig, logger *logrus.Logger) *TelegramOutput {
	out := &TelegramOutput{chatID: cfg.ChatID}
	if cfg.BotToken == "" {
		return out
	}
	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		if logger != nil {
			logger.Warnf("telegram: bot init failed: %v", err)
		}
		return out
	}
	out.bot = bot
	return out
}

func (o *TelegramOutput) Send(ctx context.Context, cfg models.OutputConfig, message string, vars map[string]string) error {
	if o.bot == nil || o.chatID == 0 {
		return configErrorf("telegram output needs bot_token and chat_id")
	}
	_, err := o.bot.Send(tgbotapi.NewMessage(o.chatID, message))
	return err
}

// GitHubCommentOutput posts a comment on the originating PR or issue through
// the gh CLI.
type GitHubCommentOutput struct {
	binary string
	run    CommandRunner
}

func NewGitHubCommentOutput(cfg config.GitHubConfig) *GitHubCommentOutput {
	binary := cfg.Binary
	if binary == "" {
		binary = "gh"
	}
	return &GitHubCommentOutput{binary: binary, run: execRunner}
}

func (o *GitHubCommentOutput) Send(ctx context.Context, cfg models.OutputConfig, message string, vars map[string]string) error {
	repo := vars["repo"]
	number := vars["number"]
	if repo == "" || number == "" {
		return configErrorf("github_comment output needs a github item (repo + number)")
	}

	sub := "issue"
	if vars["type"] == models.ItemTypePullRequest {
		sub = "pr"
	}
	_, err := o.run(ctx, o.binary, sub, "comment", number, "--repo", repo, "--body", message)
	return err
}

// JiraCommentOutput posts the message as a plain-text comment.
type JiraCommentOutput struct {
	factory *JiraFactory
}

func NewJiraCommentOutput(factory *JiraFactory) *JiraCommentOutput {
	return &JiraCommentOutput{factory: factory}
}

func (o *JiraCommentOutput) Send(ctx context.Context, cfg models.OutputConfig, message string, vars map[string]string) error {
	key := vars["key"]
	if key == "" {
		return configErrorf("jira_comment output needs a jira item")
	}
	client, err := o.factory.ClientFor(models.SourceConfig{})
	if err != nil {
		return err
	}
	return client.AddComment(ctx, key, message)
}

// JiraTransitionOutput moves the issue to the configured target status. The
// target is matched case-insensitively against the transitions the issue
// actually offers; on a miss it reports the valid names instead of guessing.
type JiraTransitionOutput struct {
	factory *JiraFactory
}

func NewJiraTransitionOutput(factory *JiraFactory) *JiraTransitionOutput {
	return &JiraTransitionOutput{factory: factory}
}

func (o *JiraTransitionOutput) Send(ctx context.Context, cfg models.OutputConfig, message string, vars map[string]string) error {
	key := vars["key"]
	if key == "" {
		return configErrorf("jira_transition output needs a jira item")
	}
	if cfg.Target == "" {
		return configErrorf("jira_transition output needs a target status name")
	}

	client, err := o.factory.ClientFor(models.SourceConfig{})
	if err != nil {
		return err
	}

	transitions, err := client.GetTransitions(ctx, key)
	if err != nil {
		return err
	}

	names := make([]string, 0, len(transitions))
	for _, t := range transitions {
		if strings.EqualFold(t.Name, cfg.Target) {
			return client.DoTransition(ctx, key, t.ID)
		}
		names = append(names, t.Name)
	}
	return fmt.Errorf("transition %q not available on %s; valid transitions: %s",
		cfg.Target, key, strings.Join(names, ", "))
}

// WebhookOutput POSTs {message, ...vars} as JSON to a configured URL.
type WebhookOutput struct {
	httpClient *http.Client
}

func NewWebhookOutput() *WebhookOutput {
	return &WebhookOutput{httpClient: &http.Client{Timeout: 15 * time.Second}}
}

func (o *WebhookOutput) Send(ctx context.Context, cfg models.OutputConfig, message string, vars map[string]string) error {
	if cfg.WebhookURL == "" {
		return configErrorf("webhook output needs a URL")
	}

	payload := make(map[string]interface{}, len(vars)+1)
	for k, v := range vars {
		payload[k] = v
	}
	payload["message"] = message
	return postJSON(ctx, o.httpClient, cfg.WebhookURL, payload)
}

func postJSON(ctx context.Context, client *http.Client, url string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
