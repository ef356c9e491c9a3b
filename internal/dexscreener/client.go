// Package dexscreener fetches normalized token market snapshots from the DexScreener API.
package dexscreener

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rewired-gh/dexwatch/internal/logger"
	"github.com/rewired-gh/dexwatch/internal/models"
)

var (
	// ErrNoData means the upstream has no pairs for the address.
	ErrNoData = errors.New("no market data found")
	// ErrFetchFailed covers network errors, timeouts, bad statuses and malformed bodies.
	ErrFetchFailed = errors.New("market data fetch failed")
)

// Limiter paces outbound requests.
type Limiter interface {
	Wait(ctx context.Context) error
}

// Client provides access to the DexScreener API
type Client struct {
	apiURL         string
	httpClient     *http.Client
	maxRetries     int
	retryDelayBase time.Duration
	limiter        Limiter
}

// ClientConfig holds optional HTTP tuning parameters.
type ClientConfig struct {
	MaxRetries          int
	RetryDelayBase      time.Duration
	MaxIdleConnsPerHost int
	// Limiter, when set, is waited on before every retry. The permit for the
	// first attempt is taken by the caller, so a scheduler sharing the same
	// limiter spends exactly one permit per HTTP request.
	Limiter Limiter
}

// tokensResponse is the body of GET /latest/dex/tokens/{address}
type tokensResponse struct {
	Pairs []pair `json:"pairs"`
}

type pair struct {
	ChainID     string `json:"chainId"`
	DexID       string `json:"dexId"`
	URL         string `json:"url"`
	PairAddress string `json:"pairAddress"`
	BaseToken   struct {
		Address string `json:"address"`
		Name    string `json:"name"`
		Symbol  string `json:"symbol"`
	} `json:"baseToken"`
	PriceUSD string `json:"priceUsd"`
	Txns     struct {
		M5 struct {
			Buys  int `json:"buys"`
			Sells int `json:"sells"`
		} `json:"m5"`
	} `json:"txns"`
	Volume struct {
		M5  float64 `json:"m5"`
		H1  float64 `json:"h1"`
		H24 float64 `json:"h24"`
	} `json:"volume"`
	Liquidity *struct {
		USD float64 `json:"usd"`
	} `json:"liquidity"`
	FDV       float64 `json:"fdv"`
	MarketCap float64 `json:"marketCap"`
}

// NewClient creates a new DexScreener client
func NewClient(apiURL string, timeout time.Duration, cfg ClientConfig) *Client {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelayBase <= 0 {
		cfg.RetryDelayBase = 500 * time.Millisecond
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.MaxIdleConnsPerHost > 0 {
		transport.MaxIdleConnsPerHost = cfg.MaxIdleConnsPerHost
	}

	return &Client{
		apiURL: strings.TrimRight(apiURL, "/"),
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		maxRetries:     cfg.MaxRetries,
		retryDelayBase: cfg.RetryDelayBase,
		limiter:        cfg.Limiter,
	}
}

// FetchSnapshot retrieves the most liquid pair for the token address and
// normalizes it into a snapshot.
func (c *Client) FetchSnapshot(ctx context.Context, address string) (models.Snapshot, error) {
	u := c.apiURL + "/latest/dex/tokens/" + url.PathEscape(address)

	resp, err := c.doRequest(ctx, u)
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("%w: %s: %v", ErrFetchFailed, address, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return models.Snapshot{}, fmt.Errorf("%w: %s", ErrNoData, address)
	}
	if resp.StatusCode != http.StatusOK {
		return models.Snapshot{}, fmt.Errorf("%w: %s: unexpected status %d", ErrFetchFailed, address, resp.StatusCode)
	}

	var body tokensResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return models.Snapshot{}, fmt.Errorf("%w: %s: failed to decode response: %v", ErrFetchFailed, address, err)
	}

	best, ok := pickBestPair(body.Pairs, address)
	if !ok {
		return models.Snapshot{}, fmt.Errorf("%w: %s", ErrNoData, address)
	}

	snap, err := toSnapshot(address, best)
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("%w: %s: %v", ErrFetchFailed, address, err)
	}
	return snap, nil
}

// pickBestPair chooses the pair with the highest liquidity*2 + 24h volume,
// preferring pairs where the address is the base token.
func pickBestPair(pairs []pair, address string) (pair, bool) {
	if len(pairs) == 0 {
		return pair{}, false
	}

	candidates := make([]pair, 0, len(pairs))
	for _, p := range pairs {
		if strings.EqualFold(p.BaseToken.Address, address) {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		candidates = pairs
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return pairScore(candidates[i]) > pairScore(candidates[j])
	})
	return candidates[0], true
}

func pairScore(p pair) float64 {
	var liq float64
	if p.Liquidity != nil {
		liq = p.Liquidity.USD
	}
	return liq*2 + p.Volume.H24
}

func toSnapshot(address string, p pair) (models.Snapshot, error) {
	var price float64
	if p.PriceUSD != "" {
		d, err := decimal.NewFromString(p.PriceUSD)
		if err != nil {
			return models.Snapshot{}, fmt.Errorf("invalid priceUsd %q: %w", p.PriceUSD, err)
		}
		price = d.InexactFloat64()
	}

	mcap := p.MarketCap
	if mcap == 0 {
		mcap = p.FDV
	}

	// DexScreener only reports 5m transaction counts, so the 5m volume is
	// split between buys and sells in proportion to them.
	var buyVol, sellVol float64
	buys, sells := p.Txns.M5.Buys, p.Txns.M5.Sells
	if total := buys + sells; total > 0 {
		buyVol = p.Volume.M5 * float64(buys) / float64(total)
		sellVol = p.Volume.M5 * float64(sells) / float64(total)
	}

	var liq float64
	if p.Liquidity != nil {
		liq = p.Liquidity.USD
	}

	snap := models.Snapshot{
		Address:      address,
		Symbol:       p.BaseToken.Symbol,
		ChainID:      p.ChainID,
		PriceUSD:     price,
		Volume5mUSD:  p.Volume.M5,
		Volume24hUSD: p.Volume.H24,
		MarketCapUSD: mcap,
		LiquidityUSD: liq,
		BuyVolume:    buyVol,
		SellVolume:   sellVol,
		SourceURL:    p.URL,
	}
	if err := snap.Validate(); err != nil {
		return models.Snapshot{}, err
	}
	return snap, nil
}

// doRequest performs HTTP request with retry logic
func (c *Client) doRequest(ctx context.Context, urlStr string) (*http.Response, error) {
	var lastErr error

	for i := 0; i <= c.maxRetries; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.retryDelayBase * time.Duration(i)):
			}
			if c.limiter != nil {
				if err := c.limiter.Wait(ctx); err != nil {
					return nil, fmt.Errorf("retry %d not permitted: %w (last error: %v)", i, err, lastErr)
				}
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logger.Debug("DexScreener request attempt %d failed: %v", i+1, err)
			continue
		}

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			resp.Body.Close()
			lastErr = fmt.Errorf("server error: %d", resp.StatusCode)
			continue
		}

		return resp, nil
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}
