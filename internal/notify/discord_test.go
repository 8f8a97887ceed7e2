package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/donaldgifford/market-ledger/internal/metrics"
	domain "github.com/donaldgifford/market-ledger/pkg/types"
)

func testRun(status domain.RunStatus) *domain.Run {
	return &domain.Run{
		ID:         12,
		StartedAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Status:     status,
		Trusted:    status == domain.RunCompleted,
		StopReason: "no_growth",
		Counters: domain.RunCounters{
			Seen:         40,
			Created:      3,
			PriceChanged: 2,
			Unchanged:    35,
		},
	}
}

func usd(amount string) domain.Money {
	return domain.Money{Amount: amount, Currency: "USD"}
}

func testListing(id string) domain.Listing {
	year := 2014
	return domain.Listing{
		ItemID: id,
		Price:  usd("8500"),
		Attributes: domain.Attributes{
			Kind:         domain.KindVehicle,
			Title:        "2014 Honda Civic " + id,
			ItemURL:      "https://marketplace.example/item/" + id,
			Location:     "Springfield",
			ThumbnailURL: "https://img.example/" + id + ".jpg",
			Vehicle:      &domain.VehicleAttributes{Brand: "Honda", Model: "Civic", Year: &year},
		},
	}
}

// capture starts a webhook that records the last payload and answers status.
func capture(t *testing.T, status int) (*httptest.Server, *discordWebhookPayload) {
	t.Helper()

	var received discordWebhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, &received
}

func TestDiscordNotifier_NotifyRun(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		summary    *RunSummary
		wantEmbeds int
		wantColor  int
		wantLast   string
	}{
		{
			name:       "completed run without changes",
			summary:    &RunSummary{Run: testRun(domain.RunCompleted)},
			wantEmbeds: 1,
			wantColor:  colorGreen,
		},
		{
			name:       "aborted run",
			summary:    &RunSummary{Run: testRun(domain.RunAborted)},
			wantEmbeds: 1,
			wantColor:  colorOrange,
		},
		{
			name: "changes follow the run embed",
			summary: &RunSummary{
				Run: testRun(domain.RunCompleted),
				New: []domain.Listing{testListing("a"), testListing("b")},
				PriceChanges: []domain.PriceChange{
					{ItemID: "c", Old: usd("9000"), New: usd("8500")},
				},
			},
			wantEmbeds: 4,
			wantColor:  colorGreen,
			wantLast:   "New listing: 2014 Honda Civic b",
		},
		{
			name: "overflow is folded",
			summary: &RunSummary{
				Run: testRun(domain.RunCompleted),
				New: func() []domain.Listing {
					out := make([]domain.Listing, 15)
					for i := range out {
						out[i] = testListing(fmt.Sprint(i))
					}
					return out
				}(),
			},
			wantEmbeds: maxEmbeds,
			wantColor:  colorGreen,
			wantLast:   "... and 7 more changes in run 12",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv, received := capture(t, http.StatusNoContent)

			err := NewDiscordNotifier(srv.URL).NotifyRun(context.Background(), tt.summary)
			require.NoError(t, err)

			require.Len(t, received.Embeds, tt.wantEmbeds)
			head := received.Embeds[0]
			assert.Equal(t, tt.wantColor, head.Color)
			assert.Contains(t, head.Title, "Run 12")
			assert.Equal(t, "no_growth", head.Description)

			fields := make(map[string]string)
			for _, f := range head.Fields {
				fields[f.Name] = f.Value
			}
			assert.Equal(t, "40", fields["Seen"])
			assert.Equal(t, "3", fields["New"])
			assert.Equal(t, "2", fields["Price changed"])

			if tt.wantLast != "" {
				assert.Equal(t, tt.wantLast, received.Embeds[len(received.Embeds)-1].Title)
			}
		})
	}
}

func TestPriceChangeEmbed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		change    domain.PriceChange
		wantTitle string
		wantColor int
	}{
		{
			name:      "drop",
			change:    domain.PriceChange{ItemID: "a", Old: usd("100"), New: usd("90")},
			wantTitle: "Price drop: a",
			wantColor: colorGreen,
		},
		{
			name:      "rise",
			change:    domain.PriceChange{ItemID: "a", Old: usd("90"), New: usd("100")},
			wantTitle: "Price rise: a",
			wantColor: colorOrange,
		},
		{
			name: "currency change",
			change: domain.PriceChange{
				ItemID: "a",
				Old:    usd("100"),
				New:    domain.Money{Amount: "100", Currency: "EUR"},
			},
			wantTitle: "Price change: a",
			wantColor: colorYellow,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			embed := priceChangeEmbed(&tt.change)
			assert.Equal(t, tt.wantTitle, embed.Title)
			assert.Equal(t, tt.wantColor, embed.Color)
		})
	}
}

func TestNewListingEmbed(t *testing.T) {
	t.Parallel()

	l := testListing("a")
	embed := newListingEmbed(&l)
	assert.Equal(t, "New listing: 2014 Honda Civic a", embed.Title)
	assert.Equal(t, l.Attributes.ItemURL, embed.URL)
	require.NotNil(t, embed.Thumbnail)
	assert.Equal(t, l.Attributes.ThumbnailURL, embed.Thumbnail.URL)

	bare := domain.Listing{ItemID: "b", Price: usd("1")}
	embed = newListingEmbed(&bare)
	assert.Equal(t, "New listing: b", embed.Title)
	assert.Nil(t, embed.Thumbnail)
}

func TestDiscordNotifier_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		errMsg string
	}{
		{name: "rate limited", status: http.StatusTooManyRequests, errMsg: "rate limited"},
		{name: "bad request", status: http.StatusBadRequest, errMsg: "discord returned 400"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv, _ := capture(t, tt.status)
			err := NewDiscordNotifier(srv.URL).NotifyRun(context.Background(), &RunSummary{Run: testRun(domain.RunCompleted)})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestDiscordNotifier_NetworkError(t *testing.T) {
	t.Parallel()

	d := NewDiscordNotifier("http://127.0.0.1:1") // nothing listening
	err := d.NotifyRun(context.Background(), &RunSummary{Run: testRun(domain.RunCompleted)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sending discord webhook")
}

func TestDiscordNotifier_InvalidWebhookURL(t *testing.T) {
	t.Parallel()

	d := NewDiscordNotifier("://not-a-valid-url")
	err := d.NotifyRun(context.Background(), &RunSummary{Run: testRun(domain.RunCompleted)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "creating discord request")
}

func TestWithHTTPClient(t *testing.T) {
	t.Parallel()

	custom := &http.Client{}
	d := NewDiscordNotifier("https://example.com", WithHTTPClient(custom))
	assert.Same(t, custom, d.client)
}

func getNotificationHistogramSampleCount() uint64 {
	ch := make(chan prometheus.Metric, 1)
	metrics.NotificationDuration.Collect(ch)
	m := <-ch
	pb := &dto.Metric{}
	_ = m.Write(pb)
	return pb.GetHistogram().GetSampleCount()
}

func TestNotifyRun_ObservesNotificationDuration(t *testing.T) {
	t.Parallel()

	srv, _ := capture(t, http.StatusNoContent)
	before := getNotificationHistogramSampleCount()

	err := NewDiscordNotifier(srv.URL).NotifyRun(context.Background(), &RunSummary{Run: testRun(domain.RunCompleted)})
	require.NoError(t, err)

	after := getNotificationHistogramSampleCount()
	assert.Greater(t, after, before, "NotificationDuration histogram sample count should increase")
}
