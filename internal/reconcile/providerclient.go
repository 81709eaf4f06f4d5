package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const defaultProviderTimeout = 10 * time.Second

// HTTPProviderClient fetches authoritative orders from the payment provider's
// reporting API.
type HTTPProviderClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPProviderClient wires a provider client for baseURL.
func NewHTTPProviderClient(baseURL string, apiKey string, httpClient *http.Client) (*HTTPProviderClient, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("provider base url is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultProviderTimeout}
	}
	return &HTTPProviderClient{baseURL: baseURL, apiKey: apiKey, httpClient: httpClient}, nil
}

type providerOrderPayload struct {
	ID             string `json:"id"`
	AccountRef     string `json:"account_ref"`
	PriceRef       string `json:"price_ref"`
	CreatedUnixUTC int64  `json:"created_unix_utc"`
}

type providerOrdersResponse struct {
	Orders []providerOrderPayload `json:"orders"`
}

// ListOrders retrieves orders created inside [from, to).
func (client *HTTPProviderClient) ListOrders(ctx context.Context, fromUnixUTC int64, toUnixUTC int64) ([]ProviderOrder, error) {
	endpoint, err := url.Parse(client.baseURL + "/v1/orders")
	if err != nil {
		return nil, fmt.Errorf("provider url: %w", err)
	}
	query := endpoint.Query()
	query.Set("from", strconv.FormatInt(fromUnixUTC, 10))
	query.Set("to", strconv.FormatInt(toUnixUTC, 10))
	endpoint.RawQuery = query.Encode()

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, err
	}
	if client.apiKey != "" {
		request.Header.Set("Authorization", "Bearer "+client.apiKey)
	}
	response, err := client.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("provider request: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("provider responded %d", response.StatusCode)
	}
	var payload providerOrdersResponse
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("provider response decode: %w", err)
	}
	orders := make([]ProviderOrder, 0, len(payload.Orders))
	for _, order := range payload.Orders {
		orders = append(orders, ProviderOrder{
			OrderID:        order.ID,
			AccountRef:     order.AccountRef,
			PriceRef:       order.PriceRef,
			CreatedUnixUTC: order.CreatedUnixUTC,
		})
	}
	return orders, nil
}
