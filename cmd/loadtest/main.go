package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/catalog"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/inventory"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/order"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/pricing"
	"github.com/vladislavdragonenkov/fulfillment/internal/storage/memory"
)

// Нагрузочный прогон движка согласования заказов поверх in-memory хранилища.
// Проверяет под конкуренцией два свойства: отсутствие овер-резерва остатков и
// сохранение баланса склада после отмен и удалений позиций.

const (
	defaultQty        = int32(1)
	defaultPriceMinor = int64(1000)
)

type loadMode string

const (
	modeAdd       loadMode = "add"
	modeAddChange loadMode = "add-change"
	modeAddCancel loadMode = "add-cancel"
)

// Результаты вызова для collector.
const (
	codeOK                = "ok"
	codeInsufficientStock = "insufficient_stock"
	codePriceMismatch     = "price_mismatch"
	codeLockTimeout       = "lock_timeout"
	codeOrderNotOpen      = "order_not_open"
	codeError             = "error"
)

type config struct {
	total       int
	totalSet    bool
	duration    time.Duration
	concurrency int
	products    int
	stock       int32
	qty         int32
	priceMinor  int64
	mode        loadMode
	cancelRate  int
	lockWait    time.Duration
	customerTag string
	outputPath  string
}

type latencySummary struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	Avg float64 `json:"avg"`
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

type methodReport struct {
	Calls     int64            `json:"calls"`
	Success   int64            `json:"success"`
	Failed    int64            `json:"failed"`
	ErrorRate float64          `json:"error_rate"`
	Codes     map[string]int64 `json:"codes"`
	LatencyMs latencySummary   `json:"latency_ms"`
}

type report struct {
	StartedAt         time.Time               `json:"started_at"`
	DurationSeconds   float64                 `json:"duration_seconds"`
	TotalScenarios    int64                   `json:"total_scenarios"`
	SuccessScenarios  int64                   `json:"success_scenarios"`
	FailedScenarios   int64                   `json:"failed_scenarios"`
	ErrorRate         float64                 `json:"error_rate"`
	RPS               float64                 `json:"rps"`
	ScenarioLatencyMs latencySummary          `json:"scenario_latency_ms"`
	StockConserved    bool                    `json:"stock_conserved"`
	Methods           map[string]methodReport `json:"methods"`
}

type methodStats struct {
	calls     int64
	success   int64
	failed    int64
	codes     map[string]int64
	latencies []float64
}

type collector struct {
	mu      sync.Mutex
	methods map[string]*methodStats
}

func newCollector() *collector {
	return &collector{
		methods: make(map[string]*methodStats),
	}
}

func (c *collector) record(method string, latency time.Duration, code string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats, ok := c.methods[method]
	if !ok {
		stats = &methodStats{
			codes: make(map[string]int64),
		}
		c.methods[method] = stats
	}

	stats.calls++
	if code == codeOK {
		stats.success++
	} else {
		stats.failed++
	}
	stats.codes[code]++
	stats.latencies = append(stats.latencies, float64(latency.Microseconds())/1000.0)
}

func (c *collector) buildReport(startedAt time.Time, duration time.Duration) report {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := report{
		StartedAt:       startedAt.UTC(),
		DurationSeconds: duration.Seconds(),
		Methods:         make(map[string]methodReport, len(c.methods)),
	}

	scenarioStats := c.methods["scenario"]
	if scenarioStats != nil {
		result.TotalScenarios = scenarioStats.calls
		result.SuccessScenarios = scenarioStats.success
		result.FailedScenarios = scenarioStats.failed
		result.ErrorRate = ratio(scenarioStats.failed, scenarioStats.calls)
		result.ScenarioLatencyMs = buildLatencySummary(scenarioStats.latencies)
	}
	if duration > 0 {
		result.RPS = float64(result.TotalScenarios) / duration.Seconds()
	}

	for name, stats := range c.methods {
		codesCopy := make(map[string]int64, len(stats.codes))
		for code, count := range stats.codes {
			codesCopy[code] = count
		}
		result.Methods[name] = methodReport{
			Calls:     stats.calls,
			Success:   stats.success,
			Failed:    stats.failed,
			ErrorRate: ratio(stats.failed, stats.calls),
			Codes:     codesCopy,
			LatencyMs: buildLatencySummary(stats.latencies),
		}
	}

	return result
}

func parseConfig() (config, error) {
	var cfg config
	var modeValue string
	var durationValue string
	var lockWaitValue string

	flag.IntVar(&cfg.total, "total", 400, "total scenarios to execute in count mode; in duration mode only used when explicitly set")
	flag.StringVar(&durationValue, "duration", "0s", "optional time-based run duration (e.g. 30s, 5m)")
	flag.IntVar(&cfg.concurrency, "concurrency", 40, "number of concurrent workers")
	flag.IntVar(&cfg.products, "products", 8, "number of seeded products competing for locks")
	var stockValue, qtyValue int
	flag.IntVar(&stockValue, "stock", 1_000_000, "initial stock per product")
	flag.IntVar(&qtyValue, "qty", int(defaultQty), "quantity reserved per detail")
	flag.Int64Var(&cfg.priceMinor, "price-minor", defaultPriceMinor, "product price in minor units")
	flag.StringVar(&modeValue, "mode", string(modeAdd), "load mode: add | add-change | add-cancel")
	flag.IntVar(&cfg.cancelRate, "cancel-rate", 0, "cancel probability in percent for add mode (0..100)")
	flag.StringVar(&lockWaitValue, "lock-wait", "3s", "row lock wait timeout")
	flag.StringVar(&cfg.customerTag, "customer-tag", "load", "client id prefix")
	flag.StringVar(&cfg.outputPath, "output", "", "optional JSON report output file path")
	flag.Parse()

	duration, err := time.ParseDuration(strings.TrimSpace(durationValue))
	if err != nil {
		return cfg, fmt.Errorf("parse duration: %w", err)
	}
	cfg.duration = duration

	lockWait, err := time.ParseDuration(strings.TrimSpace(lockWaitValue))
	if err != nil {
		return cfg, fmt.Errorf("parse lock-wait: %w", err)
	}
	cfg.lockWait = lockWait

	flag.CommandLine.Visit(func(f *flag.Flag) {
		if f.Name == "total" {
			cfg.totalSet = true
		}
	})

	mode, err := parseMode(modeValue)
	if err != nil {
		return cfg, err
	}
	cfg.mode = mode

	if stockValue <= 0 || stockValue > math.MaxInt32 {
		return cfg, errors.New("stock must be in (0, MaxInt32]")
	}
	cfg.stock = int32(stockValue)
	if qtyValue <= 0 || qtyValue > math.MaxInt32 {
		return cfg, errors.New("qty must be in (0, MaxInt32]")
	}
	cfg.qty = int32(qtyValue)

	if cfg.duration < 0 {
		return cfg, errors.New("duration must be >= 0")
	}
	if cfg.duration == 0 && cfg.total <= 0 {
		return cfg, errors.New("total must be > 0 when duration is not set")
	}
	if cfg.duration > 0 && cfg.totalSet && cfg.total <= 0 {
		return cfg, errors.New("total must be > 0 when explicitly set with duration")
	}
	if cfg.concurrency <= 0 {
		return cfg, errors.New("concurrency must be > 0")
	}
	if cfg.products <= 0 {
		return cfg, errors.New("products must be > 0")
	}
	if cfg.priceMinor <= 0 {
		return cfg, errors.New("price-minor must be > 0")
	}
	if cfg.cancelRate < 0 || cfg.cancelRate > 100 {
		return cfg, errors.New("cancel-rate must be between 0 and 100")
	}
	if cfg.lockWait <= 0 {
		return cfg, errors.New("lock-wait must be > 0")
	}
	if strings.TrimSpace(cfg.customerTag) == "" {
		return cfg, errors.New("customer-tag is required")
	}

	return cfg, nil
}

func parseMode(value string) (loadMode, error) {
	switch loadMode(strings.TrimSpace(value)) {
	case modeAdd:
		return modeAdd, nil
	case modeAddChange:
		return modeAddChange, nil
	case modeAddCancel:
		return modeAddCancel, nil
	default:
		return "", fmt.Errorf("unsupported mode: %s", value)
	}
}

// engine объединяет компоненты, против которых идёт нагрузка.
type engine struct {
	catalog     *catalog.Service
	coordinator *order.Coordinator
	products    []string
	// reservedNet считает суммарный закоммиченный резерв по каждому товару.
	reservedNet []int64
}

func newEngine(cfg config, logger *log.Entry) (*engine, error) {
	store := memory.NewStore(cfg.lockWait)
	ledger := inventory.NewLedger(nil, logger)
	prices := pricing.NewValidator(0)
	coordinator := order.NewCoordinator(store, ledger, prices, order.WithLogger(logger))
	catalogSvc := catalog.NewService(store, store, store, nil, nil, logger)

	ctx := context.Background()
	category, err := catalogSvc.CreateCategory(ctx, "loadtest")
	if err != nil {
		return nil, fmt.Errorf("seed category: %w", err)
	}

	eng := &engine{
		catalog:     catalogSvc,
		coordinator: coordinator,
		products:    make([]string, 0, cfg.products),
		reservedNet: make([]int64, cfg.products),
	}
	for i := 0; i < cfg.products; i++ {
		product, err := catalogSvc.CreateProduct(ctx, fmt.Sprintf("load-product-%d", i), cfg.priceMinor, cfg.stock, category.ID)
		if err != nil {
			return nil, fmt.Errorf("seed product %d: %w", i, err)
		}
		eng.products = append(eng.products, product.ID)
	}
	return eng, nil
}

// verifyStock сверяет остатки после прогона: initial - committed == final.
func (e *engine) verifyStock(cfg config) (bool, error) {
	ctx := context.Background()
	for i, productID := range e.products {
		product, err := e.catalog.GetProduct(ctx, productID)
		if err != nil {
			return false, fmt.Errorf("read product %s: %w", productID, err)
		}
		expected := int64(cfg.stock) - atomic.LoadInt64(&e.reservedNet[i])
		if int64(product.Stock) != expected {
			log.WithFields(log.Fields{
				"product_id": productID,
				"expected":   expected,
				"actual":     product.Stock,
			}).Error("stock balance mismatch")
			return false, nil
		}
		if product.Stock < 0 {
			return false, nil
		}
	}
	return true, nil
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.WarnLevel)

	cfg, err := parseConfig()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := log.WithField("component", "loadtest")
	eng, err := newEngine(cfg, logger)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "failed to seed engine: %v\n", err)
		os.Exit(1)
	}

	startedAt := time.Now()
	runID := fmt.Sprintf("%d-%d", startedAt.UnixNano(), os.Getpid())
	col := newCollector()

	jobs := make(chan int, cfg.concurrency*2)
	var failures int64
	var wg sync.WaitGroup

	for workerID := 0; workerID < cfg.concurrency; workerID++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range jobs {
				if runErr := runScenario(eng, cfg, id, runID, col); runErr != nil {
					atomic.AddInt64(&failures, 1)
				}
			}
		}()
	}

	dispatchJobs(jobs, cfg)
	wg.Wait()

	duration := time.Since(startedAt)
	result := col.buildReport(startedAt, duration)
	if result.FailedScenarios == 0 && failures > 0 {
		result.FailedScenarios = failures
		result.ErrorRate = ratio(result.FailedScenarios, result.TotalScenarios)
	}

	conserved, err := eng.verifyStock(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "failed to verify stock: %v\n", err)
		os.Exit(1)
	}
	result.StockConserved = conserved

	printReport(result, cfg)
	if cfg.outputPath != "" {
		if err := writeJSONReport(cfg.outputPath, result); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "failed to write report: %v\n", err)
			os.Exit(1)
		}
	}

	if result.FailedScenarios > 0 || !result.StockConserved {
		os.Exit(1)
	}
}

func dispatchJobs(jobs chan<- int, cfg config) {
	defer close(jobs)

	if cfg.duration <= 0 {
		for i := 0; i < cfg.total; i++ {
			jobs <- i
		}
		return
	}

	timer := time.NewTimer(cfg.duration)
	defer timer.Stop()

	for i := 0; ; i++ {
		if cfg.totalSet && i >= cfg.total {
			return
		}

		select {
		case <-timer.C:
			return
		case jobs <- i:
		}
	}
}

func runScenario(eng *engine, cfg config, index int, runID string, col *collector) error {
	scenarioStart := time.Now()
	scenarioCode := codeOK
	defer func() {
		col.record("scenario", time.Since(scenarioStart), scenarioCode)
	}()

	ctx := context.Background()
	productIndex := index % len(eng.products)
	productID := eng.products[productIndex]

	orderStart := time.Now()
	orderEntity, err := eng.catalog.CreateOrder(ctx, fmt.Sprintf("%s-%s-%d", cfg.customerTag, runID, index))
	col.record("CreateOrder", time.Since(orderStart), outcomeCode(err))
	if err != nil {
		scenarioCode = outcomeCode(err)
		return err
	}

	addStart := time.Now()
	detail, err := eng.coordinator.AddDetail(ctx, orderEntity.ID, productID, cfg.qty, cfg.priceMinor)
	col.record("AddDetail", time.Since(addStart), outcomeCode(err))
	if err != nil {
		scenarioCode = outcomeCode(err)
		return err
	}
	atomic.AddInt64(&eng.reservedNet[productIndex], int64(cfg.qty))

	if cfg.mode == modeAddChange {
		newQty := cfg.qty + 1
		changeStart := time.Now()
		_, err := eng.coordinator.ChangeDetailQty(ctx, detail.ID, newQty)
		col.record("ChangeDetailQty", time.Since(changeStart), outcomeCode(err))
		if err != nil {
			scenarioCode = outcomeCode(err)
			return err
		}
		atomic.AddInt64(&eng.reservedNet[productIndex], int64(newQty-cfg.qty))
	}

	if cfg.mode == modeAddCancel || shouldCancelScenario(index, cfg.cancelRate) {
		cancelStart := time.Now()
		err := eng.coordinator.CancelOrder(ctx, orderEntity.ID)
		col.record("CancelOrder", time.Since(cancelStart), outcomeCode(err))
		if err != nil {
			scenarioCode = outcomeCode(err)
			return err
		}
		if cfg.mode == modeAddChange {
			atomic.AddInt64(&eng.reservedNet[productIndex], -int64(cfg.qty+1))
		} else {
			atomic.AddInt64(&eng.reservedNet[productIndex], -int64(cfg.qty))
		}
	}

	return nil
}

func outcomeCode(err error) string {
	switch {
	case err == nil:
		return codeOK
	case errors.Is(err, domain.ErrInsufficientStock):
		return codeInsufficientStock
	case errors.Is(err, domain.ErrPriceMismatch):
		return codePriceMismatch
	case errors.Is(err, domain.ErrLockTimeout):
		return codeLockTimeout
	case errors.Is(err, domain.ErrOrderNotOpen):
		return codeOrderNotOpen
	default:
		return codeError
	}
}

func shouldCancelScenario(index, cancelRate int) bool {
	if cancelRate <= 0 {
		return false
	}
	if cancelRate >= 100 {
		return true
	}
	return index%100 < cancelRate
}

func writeJSONReport(path string, result report) error {
	cleanPath := filepath.Clean(path)
	if cleanPath == "." || cleanPath == string(filepath.Separator) {
		return errors.New("output path must point to a file")
	}
	if cleanPath == ".." || strings.HasPrefix(cleanPath, ".."+string(filepath.Separator)) {
		return fmt.Errorf("output path must be inside current directory: %s", path)
	}

	// #nosec G304 -- path is an explicit CLI output parameter for local load-test reports.
	file, err := os.Create(cleanPath)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}

func printReport(result report, cfg config) {
	fmt.Println("Load test summary")
	fmt.Printf("mode=%s run=%s total=%d success=%d failed=%d error_rate=%.4f stock_conserved=%v\n",
		cfg.mode,
		runTarget(cfg),
		result.TotalScenarios,
		result.SuccessScenarios,
		result.FailedScenarios,
		result.ErrorRate,
		result.StockConserved,
	)
	fmt.Printf("duration=%.2fs rps=%.2f\n", result.DurationSeconds, result.RPS)
	fmt.Printf("scenario latency ms: min=%.2f avg=%.2f p50=%.2f p95=%.2f p99=%.2f max=%.2f\n",
		result.ScenarioLatencyMs.Min,
		result.ScenarioLatencyMs.Avg,
		result.ScenarioLatencyMs.P50,
		result.ScenarioLatencyMs.P95,
		result.ScenarioLatencyMs.P99,
		result.ScenarioLatencyMs.Max,
	)

	methodNames := make([]string, 0, len(result.Methods))
	for name := range result.Methods {
		if name == "scenario" {
			continue
		}
		methodNames = append(methodNames, name)
	}
	sort.Strings(methodNames)
	for _, name := range methodNames {
		stats := result.Methods[name]
		fmt.Printf(
			"%s: calls=%d success=%d failed=%d error_rate=%.4f p95=%.2fms\n",
			name,
			stats.Calls,
			stats.Success,
			stats.Failed,
			stats.ErrorRate,
			stats.LatencyMs.P95,
		)
	}
}

func runTarget(cfg config) string {
	if cfg.duration <= 0 {
		return fmt.Sprintf("count:%d", cfg.total)
	}
	if cfg.totalSet {
		return fmt.Sprintf("duration:%s,max-total:%d", cfg.duration, cfg.total)
	}
	return fmt.Sprintf("duration:%s", cfg.duration)
}

func buildLatencySummary(values []float64) latencySummary {
	if len(values) == 0 {
		return latencySummary{}
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	var sum float64
	for _, value := range sorted {
		sum += value
	}

	return latencySummary{
		Min: sorted[0],
		Max: sorted[len(sorted)-1],
		Avg: sum / float64(len(sorted)),
		P50: percentile(sorted, 50),
		P95: percentile(sorted, 95),
		P99: percentile(sorted, 99),
	}
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}

	rank := (p / 100.0) * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}

	weight := rank - float64(lower)
	return sorted[lower] + (sorted[upper]-sorted[lower])*weight
}

func ratio(failed, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(failed) / float64(total)
}
