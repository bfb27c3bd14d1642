package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/klear-market/internal/clearing"
	"github.com/ksred/klear-market/internal/config"
	"github.com/ksred/klear-market/internal/database"
	"github.com/ksred/klear-market/internal/market"
	"github.com/ksred/klear-market/internal/payment"
	"github.com/ksred/klear-market/internal/settlement"
	"github.com/ksred/klear-market/internal/types"
)

const (
	numWorkers = 5
)

var symbols = []string{"AAPL", "GOOGL", "MSFT", "AMZN", "META"}

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// opStats tracks latency for one kind of operation
type opStats struct {
	name      string
	mu        sync.Mutex
	durations []time.Duration
	failures  int
}

func (s *opStats) record(start time.Time, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.durations = append(s.durations, time.Since(start))
	if err != nil {
		s.failures++
	}
}

// calculate computes min, max, mean, median, 95th and 99th percentile
func (s *opStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	if len(s.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sorted := append([]time.Duration(nil), s.durations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	min = lo.Min(sorted)
	max = lo.Max(sorted)
	mean = lo.Sum(sorted) / time.Duration(len(sorted))
	median = sorted[len(sorted)/2]
	p95 = sorted[int(math.Ceil(float64(len(sorted))*0.95))-1]
	p99 = sorted[int(math.Ceil(float64(len(sorted))*0.99))-1]
	return
}

type simulation struct {
	rng        *rand.Rand
	rngMu      sync.Mutex
	market     *market.Service
	engine     *clearing.Engine
	settlement *settlement.Service
	gateway    *payment.LedgerGateway

	participants []uint
	deposited    decimal.Decimal

	stats map[string]*opStats
}

func newSimulation(db *gorm.DB, seed int64, pooled bool) *simulation {
	var opts []payment.Option
	if pooled {
		opts = append(opts, payment.WithEscrowPolicy(payment.NewPooledEscrow("escrow-officer")))
	}
	gateway := payment.NewLedgerGateway(db, market.NewDatabase(db), opts...)

	return &simulation{
		rng:        rand.New(rand.NewSource(seed)),
		market:     market.NewService(db, gateway),
		engine:     clearing.NewEngine(db, gateway),
		settlement: settlement.NewService(db, gateway),
		gateway:    gateway,
		stats: map[string]*opStats{
			"buy":     {name: "Place Buy"},
			"sell":    {name: "Place Sell"},
			"clear":   {name: "Clearing Cycle"},
			"ship":    {name: "Ship"},
			"close":   {name: "Close"},
			"release": {name: "Release Escrow"},
		},
	}
}

func (s *simulation) intn(n int) int {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.Intn(n)
}

// price returns a random price between 0.50 and 1.50
func (s *simulation) price() decimal.Decimal {
	return decimal.New(int64(50+s.intn(101)), -2)
}

func (s *simulation) setup(ctx context.Context, participants, unitsEach int) error {
	for _, symbol := range symbols {
		if _, err := s.market.CreateStock(ctx, types.CreateStockRequest{Symbol: symbol}); err != nil {
			return fmt.Errorf("create stock %s: %w", symbol, err)
		}
	}

	for i := 0; i < participants; i++ {
		p, _, err := s.market.RegisterParticipant(ctx, types.RegisterParticipantRequest{Name: fmt.Sprintf("trader-%02d", i)})
		if err != nil {
			return err
		}
		s.participants = append(s.participants, p.ID)

		amount := decimal.NewFromInt(int64(5 + s.intn(20)))
		if _, err := s.market.Deposit(ctx, p.ID, amount); err != nil {
			return err
		}
		s.deposited = s.deposited.Add(amount)

		symbol := symbols[s.intn(len(symbols))]
		if _, err := s.market.OriginateInventory(ctx, p.ID, types.OriginateInventoryRequest{
			Symbol: symbol,
			Value:  decimal.NewFromInt(1),
			Units:  unitsEach,
		}); err != nil {
			return err
		}
	}
	return nil
}

// placeOrders has each worker place a share of the orders at random
func (s *simulation) placeOrders(ctx context.Context, total int) {
	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for i := 0; i < total/numWorkers; i++ {
				trader := s.participants[s.intn(len(s.participants))]
				if s.intn(2) == 0 {
					s.placeBuy(ctx, trader)
				} else {
					s.placeSell(ctx, trader)
				}
			}
			log.Debug().Int("worker", workerID).Msg("Worker finished placing orders")
		}(w)
	}
	wg.Wait()
}

func (s *simulation) placeBuy(ctx context.Context, trader uint) {
	req := types.PlaceBuyOrderRequest{
		Symbol:    symbols[s.intn(len(symbols))],
		OrderType: market.OrderTypeMarket,
	}
	if s.intn(3) > 0 {
		price := s.price()
		req.OrderType = market.OrderTypeLimit
		req.Price = &price
	}

	start := time.Now()
	_, err := s.market.PlaceBuyOrder(ctx, trader, req, uuid.NewString())
	s.stats["buy"].record(start, err)
	if err != nil {
		log.Debug().Err(err).Uint("trader", trader).Msg("Buy order rejected")
	}
}

func (s *simulation) placeSell(ctx context.Context, trader uint) {
	items, err := s.market.Inventory(ctx, trader)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list inventory")
		return
	}
	available := lo.Filter(items, func(inv market.Inventory, _ int) bool {
		return inv.Status == market.InventoryAvailable
	})
	if len(available) == 0 {
		return
	}

	req := types.PlaceSellOrderRequest{
		InventoryID: available[s.intn(len(available))].ID,
		OrderType:   market.OrderTypeMarket,
	}
	if s.intn(3) > 0 {
		price := s.price()
		req.OrderType = market.OrderTypeLimit
		req.Price = &price
	}

	start := time.Now()
	_, err = s.market.PlaceSellOrder(ctx, trader, req, uuid.NewString())
	s.stats["sell"].record(start, err)
	if err != nil {
		// Another worker may have listed the same unit first
		log.Debug().Err(err).Uint("trader", trader).Msg("Sell order rejected")
	}
}

func (s *simulation) clear(ctx context.Context) ([]market.Transaction, int, error) {
	start := time.Now()
	result, err := s.engine.ClearMarket(ctx)
	s.stats["clear"].record(start, err)
	if err != nil {
		return nil, 0, err
	}
	return result.Transactions, len(result.Skipped), nil
}

// settle walks each transaction through as much of the lifecycle as a
// random draw allows, leaving some funds in escrow
func (s *simulation) settle(ctx context.Context, txns []market.Transaction) (released int) {
	steps := []struct {
		key string
		fn  func(context.Context, string) (*market.Transaction, error)
	}{
		{"ship", s.settlement.Ship},
		{"close", s.settlement.Close},
		{"release", s.settlement.ReleaseEscrow},
	}

	for _, txn := range txns {
		depth := s.intn(len(steps) + 1)
		for _, step := range steps[:depth] {
			start := time.Now()
			_, err := step.fn(ctx, txn.TransactionID)
			s.stats[step.key].record(start, err)
			if err != nil {
				log.Error().Err(err).Str("transaction_id", txn.TransactionID).Str("step", step.key).Msg("Lifecycle step failed")
				break
			}
			if step.key == "release" {
				released++
			}
		}
	}
	return released
}

// verify checks that the ledger still nets to zero and that every unit of
// deposited money is either on a participant account or held in escrow for
// an unreleased transaction
func (s *simulation) verify(ctx context.Context) error {
	l := s.gateway.Ledger()

	total, err := l.TotalBalance(ctx)
	if err != nil {
		return err
	}
	if !total.IsZero() {
		return fmt.Errorf("ledger does not net to zero: %s", total)
	}

	onAccounts := decimal.Zero
	held := decimal.Zero
	seen := make(map[string]bool)
	for _, pid := range s.participants {
		_, balance, err := s.market.Balance(ctx, pid)
		if err != nil {
			return err
		}
		onAccounts = onAccounts.Add(balance)

		txns, err := s.market.Transactions(ctx, pid)
		if err != nil {
			return err
		}
		for _, txn := range txns {
			if seen[txn.TransactionID] {
				continue
			}
			seen[txn.TransactionID] = true
			if txn.EscrowReleasedAt == nil {
				held = held.Add(txn.Price)
			}
		}
	}

	escrowed := s.deposited.Sub(onAccounts)
	if !escrowed.Equal(held) {
		return fmt.Errorf("funds not conserved: deposited %s, on accounts %s, escrow %s, unreleased %s",
			s.deposited, onAccounts, escrowed, held)
	}

	log.Info().
		Str("deposited", s.deposited.String()).
		Str("on_accounts", onAccounts.String()).
		Str("in_escrow", escrowed.String()).
		Msg("Funds conserved")
	return nil
}

func (s *simulation) printPerformanceStats() {
	fmt.Println("\nPerformance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Operation", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	for _, key := range []string{"buy", "sell", "clear", "ship", "close", "release"} {
		stats := s.stats[key]
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name,
			len(stats.durations),
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

func main() {
	participants := flag.Int("participants", 12, "number of simulated traders")
	units := flag.Int("units", 4, "inventory units originated per trader")
	orders := flag.Int("orders", 150, "orders placed per round")
	rounds := flag.Int("rounds", 5, "order/clearing rounds")
	seed := flag.Int64("seed", time.Now().UnixNano(), "random seed")
	pooled := flag.Bool("pooled", false, "route escrow through a single pooled escrow account")
	flag.Parse()

	db, err := database.NewDatabase(config.DatabaseConfig{
		Driver:       config.DriverSQLite,
		DSN:          "file:simulation-" + uuid.NewString() + "?mode=memory&cache=shared&_foreign_keys=on",
		MaxOpenConns: 1,
	}, false)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}

	ctx := context.Background()
	sim := newSimulation(db, *seed, *pooled)
	if err := sim.setup(ctx, *participants, *units); err != nil {
		log.Fatal().Err(err).Msg("Failed to set up market")
	}
	log.Info().
		Int64("seed", *seed).
		Int("participants", *participants).
		Str("deposited", sim.deposited.String()).
		Msg("Starting simulation")

	var matched, skipped, released int
	for round := 1; round <= *rounds; round++ {
		sim.placeOrders(ctx, *orders)

		txns, skips, err := sim.clear(ctx)
		if err != nil {
			log.Fatal().Err(err).Int("round", round).Msg("Clearing cycle failed")
		}
		matched += len(txns)
		skipped += skips
		released += sim.settle(ctx, txns)

		log.Info().
			Int("round", round).
			Int("matched", len(txns)).
			Int("skipped", skips).
			Msg("Round complete")

		if err := sim.verify(ctx); err != nil {
			log.Fatal().Err(err).Int("round", round).Msg("Invariant violated")
		}
	}

	log.Info().
		Int("matched", matched).
		Int("skipped", skipped).
		Int("released", released).
		Msg("Simulation complete")
	sim.printPerformanceStats()
}
