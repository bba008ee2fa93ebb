package gateway

import "context"

// defaultHistoryLimit is how many recent turns the history strategy requests.
const defaultHistoryLimit = 50

// HistoryFetcher retrieves replies through the runtime's history endpoint.
type HistoryFetcher struct {
	client *Client
	limit  int
}

// NewHistoryFetcher creates the remote history strategy. A non-positive
// limit uses the default.
func NewHistoryFetcher(client *Client, limit int) *HistoryFetcher {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return &HistoryFetcher{client: client, limit: limit}
}

// Name identifies the strategy in logs.
func (h *HistoryFetcher) Name() string {
	return "history"
}

// FetchLatestAssistantTurn implements Strategy.
func (h *HistoryFetcher) FetchLatestAssistantTurn(ctx context.Context, sessionKey string) (Reply, error) {
	messages, err := h.client.History(ctx, sessionKey, h.limit)
	if err != nil {
		return Reply{}, err
	}

	turns := make([]Turn, 0, len(messages))
	for _, m := range messages {
		turns = append(turns, Turn{Role: m.Role, Text: ExtractText(m.Content)})
	}
	return latestReply(turns, h.Name())
}
