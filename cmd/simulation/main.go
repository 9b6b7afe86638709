package main

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ksred/lem-clearing/internal/accounts"
	"github.com/ksred/lem-clearing/internal/clearing"
	"github.com/ksred/lem-clearing/internal/database"
	"github.com/ksred/lem-clearing/internal/ledger"
	"github.com/ksred/lem-clearing/internal/lib"
	"github.com/ksred/lem-clearing/internal/param"
	"github.com/ksred/lem-clearing/internal/settlement"
	"github.com/ksred/lem-clearing/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	minProsumers  = 15
	maxProsumers  = 150
	numWorkers    = 5
	owner         = "market-operator"
	windowLength  = 15 * time.Minute
	triggerGrace  = 5 * time.Minute
	quantityStep  = 10
	maxStepsOrder = 50
)

var (
	minPrice = lib.MustParseFixed("0.05")
	maxPrice = lib.MustParseFixed("0.30")
	tick     = lib.MustParseFixed("0.001")
)

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("LEM_DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// opStats tracks timing statistics for one market operation
type opStats struct {
	name       string
	mu         sync.Mutex
	durations  []time.Duration
	totalCalls int
	failures   int
}

func (s *opStats) record(start time.Time, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.durations = append(s.durations, time.Since(start))
	s.totalCalls++
	if err != nil {
		s.failures++
	}
}

// calculate computes min, max, mean, median, 95th and 99th percentile durations
func (s *opStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	if len(s.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sort.Slice(s.durations, func(i, j int) bool {
		return s.durations[i] < s.durations[j]
	})

	min = s.durations[0]
	max = s.durations[len(s.durations)-1]

	var sum time.Duration
	for _, d := range s.durations {
		sum += d
	}
	mean = sum / time.Duration(len(s.durations))
	median = s.durations[len(s.durations)/2]

	p95idx := int(math.Ceil(float64(len(s.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(s.durations))*0.99)) - 1
	p95 = s.durations[p95idx]
	p99 = s.durations[p99idx]
	return
}

type prosumer struct {
	id       string
	side     types.Side
	price    lib.Fixed
	quantity int64
}

// market is the engine assembled in-process the way the server wires it.
type market struct {
	clock      *clock.Mock
	params     *param.Service
	clearing   *clearing.Service
	accounts   *accounts.Service
	settlement *settlement.Service
	stats      map[string]*opStats
}

func newMarket(ctx context.Context) (*market, error) {
	clk := clock.NewMock()
	clk.Set(time.Now())

	db, err := database.NewDatabase(database.MemoryPath(fmt.Sprintf("simulation-%d", time.Now().UnixNano())))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	l, err := ledger.New(db, clk)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	params, err := param.NewService(ctx, l, types.MarketParams{
		MinPrice:     minPrice,
		MaxPrice:     maxPrice,
		QuantityStep: quantityStep,
		TriggerGrace: int64(triggerGrace / time.Second),
		Owner:        owner,
	})
	if err != nil {
		return nil, err
	}

	clearingService := clearing.NewService(l, params, clearing.Options{Pricing: clearing.PriceLastAsk})
	accountsService := accounts.NewService(l, owner)
	settlementService, err := settlement.NewService(l, clearingService, accountsService)
	if err != nil {
		return nil, err
	}

	return &market{
		clock:      clk,
		params:     params,
		clearing:   clearingService,
		accounts:   accountsService,
		settlement: settlementService,
		stats: map[string]*opStats{
			"deposit": {name: "Fund Escrow"},
			"submit":  {name: "Submit Order"},
			"trigger": {name: "Trigger Clearing"},
			"settle":  {name: "Settle Trade"},
		},
	}, nil
}

func randomProsumers(n int) []prosumer {
	steps := int64((maxPrice - minPrice) / tick)
	prosumers := make([]prosumer, 0, n)
	for i := 0; i < n; i++ {
		side := types.Buy
		if rand.Intn(2) == 0 {
			side = types.Sell
		}
		prosumers = append(prosumers, prosumer{
			id:       fmt.Sprintf("prosumer-%03d", i),
			side:     side,
			price:    minPrice + lib.Fixed(rand.Int63n(steps+1))*tick,
			quantity: quantityStep * (1 + rand.Int63n(maxStepsOrder)),
		})
	}
	return prosumers
}

// printPerformanceStats outputs formatted timing statistics for all operations
func (m *market) printPerformanceStats() {
	fmt.Println("\nOperation Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Operation", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	for _, key := range []string{"deposit", "submit", "trigger", "settle"} {
		stats := m.stats[key]
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name,
			stats.totalCalls,
			stats.failures,
			min.Round(time.Microsecond),
			max.Round(time.Microsecond),
			mean.Round(time.Microsecond),
			median.Round(time.Microsecond),
			p95.Round(time.Microsecond),
			p99.Round(time.Microsecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

// main runs one clearing window of a simulated local energy market: random
// prosumers bid and offer, the window clears after its deadline and every
// trade is settled.
func main() {
	ctx := context.Background()
	started := time.Now()

	m, err := newMarket(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build market")
	}

	if _, err := m.params.SetDeadline(ctx, owner, m.clock.Now().Add(windowLength), triggerGrace); err != nil {
		log.Fatal().Err(err).Msg("Failed to set deadline")
	}
	window, err := m.clearing.OpenWindow(ctx, owner)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open window")
	}

	prosumers := randomProsumers(rand.Intn(maxProsumers-minProsumers) + minProsumers)
	log.Info().
		Int("prosumers", len(prosumers)).
		Str("window_id", window.WindowID).
		Msg("Starting simulation")

	// Buyers escrow the most they can be charged: their own price.
	for _, p := range prosumers {
		if p.side != types.Buy {
			continue
		}
		amount, err := lib.Mul(p.price, p.quantity)
		if err != nil {
			log.Fatal().Err(err).Msg("Escrow amount overflow")
		}
		start := time.Now()
		_, err = m.accounts.Deposit(ctx, owner, p.id, amount, "sim-"+p.id)
		m.stats["deposit"].record(start, err)
	}

	jobs := make(chan prosumer)
	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for p := range jobs {
				start := time.Now()
				_, err := m.clearing.SubmitOrder(ctx, p.id, p.side, p.price, p.quantity)
				m.stats["submit"].record(start, err)
				if err != nil {
					log.Error().Err(err).Int("worker", workerID).Str("trader_id", p.id).Msg("Order rejected")
				}
			}
		}(i)
	}
	for _, p := range prosumers {
		jobs <- p
	}
	close(jobs)
	wg.Wait()

	// Reach the deadline and clear.
	m.clock.Add(windowLength)
	start := time.Now()
	result, err := m.clearing.TriggerClearing(ctx, owner)
	m.stats["trigger"].record(start, err)
	if err != nil {
		log.Fatal().Err(err).Msg("Clearing failed")
	}

	var settled, failed int
	settledAmount := lib.Fixed(0)
	for _, trade := range result.Trades {
		start := time.Now()
		record, err := m.settlement.Settle(ctx, trade.TradeID)
		m.stats["settle"].record(start, err)
		if err != nil {
			failed++
			continue
		}
		settled++
		if settledAmount, err = lib.Add(settledAmount, record.SettledAmount); err != nil {
			log.Fatal().Err(err).Msg("Settled amount overflow")
		}
	}

	buyers, sellers := 0, 0
	for _, p := range prosumers {
		if p.side == types.Buy {
			buyers++
		} else {
			sellers++
		}
	}
	price := "none"
	if result.ClearingPrice != nil {
		price = result.ClearingPrice.String()
	}

	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("LOCAL ENERGY MARKET SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf(`
Window
------------------
Window:           %s
Pricing rule:     %s
State:            %s

Orders
------------------
Prosumers:        %d
Bids:             %d
Offers:           %d

Clearing
------------------
Clearing price:   %s
Matched quantity: %d
Trades:           %d

Settlement
------------------
Settled trades:   %d
Failed:           %d
Settled amount:   %s

Duration:         %s
`,
		result.WindowID,
		result.PricingRule,
		result.State,
		len(prosumers),
		buyers,
		sellers,
		price,
		result.TotalMatchedQuantity,
		len(result.Trades),
		settled,
		failed,
		settledAmount,
		time.Since(started).Round(time.Millisecond),
	)

	m.printPerformanceStats()
}
