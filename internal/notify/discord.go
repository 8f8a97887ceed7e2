package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/donaldgifford/market-ledger/internal/metrics"
	domain "github.com/donaldgifford/market-ledger/pkg/types"
)

const (
	colorGreen  = 0x2ECC71 // completed run, price drop
	colorYellow = 0xF1C40F // new listing, currency change
	colorOrange = 0xE67E22 // aborted run, price rise
)

// maxEmbeds is Discord's per-message embed limit.
const maxEmbeds = 10

// DiscordNotifier implements Notifier via Discord webhook.
type DiscordNotifier struct {
	webhookURL string
	client     *http.Client
}

// NewDiscordNotifier creates a new DiscordNotifier.
func NewDiscordNotifier(webhookURL string, opts ...DiscordOption) *DiscordNotifier {
	d := &DiscordNotifier{
		webhookURL: webhookURL,
		client:     http.DefaultClient,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DiscordOption configures a DiscordNotifier.
type DiscordOption func(*DiscordNotifier)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) DiscordOption {
	return func(d *DiscordNotifier) {
		d.client = c
	}
}

// discordWebhookPayload is the Discord webhook JSON structure.
type discordWebhookPayload struct {
	Embeds []discordEmbed `json:"embeds"`
}

type discordEmbed struct {
	Title       string              `json:"title"`
	URL         string              `json:"url,omitempty"`
	Color       int                 `json:"color"`
	Description string              `json:"description,omitempty"`
	Fields      []discordEmbedField `json:"fields,omitempty"`
	Thumbnail   *discordThumbnail   `json:"thumbnail,omitempty"`
}

type discordEmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type discordThumbnail struct {
	URL string `json:"url"`
}

// NotifyRun sends one message: the run embed, then price changes, then
// new listings. Items past the embed limit are folded into a final
// "and N more" embed.
func (d *DiscordNotifier) NotifyRun(ctx context.Context, s *RunSummary) error {
	embeds := []discordEmbed{runEmbed(s.Run)}

	items := make([]discordEmbed, 0, len(s.PriceChanges)+len(s.New))
	for i := range s.PriceChanges {
		items = append(items, priceChangeEmbed(&s.PriceChanges[i]))
	}
	for i := range s.New {
		items = append(items, newListingEmbed(&s.New[i]))
	}

	room := maxEmbeds - len(embeds)
	if len(items) > room {
		shown := room - 1
		embeds = append(embeds, items[:shown]...)
		embeds = append(embeds, discordEmbed{
			Title:       fmt.Sprintf("... and %d more changes in run %d", len(items)-shown, s.Run.ID),
			Color:       colorYellow,
			Description: "Export the run's change-set for the full list.",
		})
	} else {
		embeds = append(embeds, items...)
	}

	return d.post(ctx, discordWebhookPayload{Embeds: embeds})
}

func runEmbed(r *domain.Run) discordEmbed {
	color := colorGreen
	if r.Status != domain.RunCompleted {
		color = colorOrange
	}
	c := r.Counters
	return discordEmbed{
		Title:       fmt.Sprintf("Run %d %s", r.ID, r.Status),
		Color:       color,
		Description: r.StopReason,
		Fields: []discordEmbedField{
			{Name: "Seen", Value: strconv.Itoa(c.Seen), Inline: true},
			{Name: "New", Value: strconv.Itoa(c.Created), Inline: true},
			{Name: "Price changed", Value: strconv.Itoa(c.PriceChanged), Inline: true},
			{Name: "Metadata changed", Value: strconv.Itoa(c.MetadataChanged), Inline: true},
			{Name: "Unchanged", Value: strconv.Itoa(c.Unchanged), Inline: true},
			{Name: "Failed", Value: strconv.Itoa(c.Failed + c.NormalizeFailed), Inline: true},
		},
	}
}

func priceChangeEmbed(pc *domain.PriceChange) discordEmbed {
	title, color := "Price change", colorYellow
	if pc.Old.Currency == pc.New.Currency {
		oldAmt, errOld := strconv.ParseFloat(pc.Old.Amount, 64)
		newAmt, errNew := strconv.ParseFloat(pc.New.Amount, 64)
		if errOld == nil && errNew == nil {
			switch {
			case newAmt < oldAmt:
				title, color = "Price drop", colorGreen
			case newAmt > oldAmt:
				title, color = "Price rise", colorOrange
			}
		}
	}
	return discordEmbed{
		Title: fmt.Sprintf("%s: %s", title, pc.ItemID),
		Color: color,
		Fields: []discordEmbedField{
			{Name: "Old", Value: pc.Old.String(), Inline: true},
			{Name: "New", Value: pc.New.String(), Inline: true},
			{Name: "Observed", Value: pc.ObservedAt.UTC().Format(time.RFC3339), Inline: true},
		},
	}
}

func newListingEmbed(l *domain.Listing) discordEmbed {
	a := &l.Attributes
	title := a.Title
	if title == "" {
		title = l.ItemID
	}
	embed := discordEmbed{
		Title: "New listing: " + title,
		URL:   a.ItemURL,
		Color: colorYellow,
		Fields: []discordEmbedField{
			{Name: "Price", Value: l.Price.String(), Inline: true},
		},
	}
	if a.Location != "" {
		embed.Fields = append(embed.Fields, discordEmbedField{Name: "Location", Value: a.Location, Inline: true})
	}
	if v := a.Vehicle; v != nil && v.Year != nil {
		embed.Fields = append(embed.Fields, discordEmbedField{Name: "Year", Value: strconv.Itoa(*v.Year), Inline: true})
	}
	if a.ThumbnailURL != "" {
		embed.Thumbnail = &discordThumbnail{URL: a.ThumbnailURL}
	}
	return embed
}

func (d *DiscordNotifier) post(ctx context.Context, payload discordWebhookPayload) error {
	start := time.Now()
	defer func() {
		metrics.NotificationDuration.Observe(time.Since(start).Seconds())
	}()

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling discord payload: %w", err)
	}

	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		d.webhookURL,
		bytes.NewReader(body),
	)
	if err != nil {
		return fmt.Errorf("creating discord request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending discord webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("discord rate limited (429)")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return fmt.Errorf("discord returned %d (body unreadable)", resp.StatusCode)
		}
		return fmt.Errorf("discord returned %d: %s", resp.StatusCode, respBody)
	}

	return nil
}
