package infra

import (
	"bufio"
	"context"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/osdi23p228/conductor/pkg/core"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	TransactionFilePath = "TRANSACTIONS.txt"
)

// Invocation is one line of a transaction file: "<index> <function> <args>..."
type Invocation struct {
	Index    int
	Function string
	Args     []string
}

// WorkloadGenerator produces "add" invocations of the mqtt chaincode, one
// message per invocation from a fixed set of devices
type WorkloadGenerator struct {
	rnd     *rand.Rand
	devices []uint32
	start   time.Time
}

func NewWorkloadGenerator(seed int64, devices int) *WorkloadGenerator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if devices < 1 {
		devices = 1
	}

	wg := &WorkloadGenerator{
		rnd:   rand.New(rand.NewSource(seed)),
		start: time.Now(),
	}
	for i := 0; i < devices; i++ {
		wg.devices = append(wg.devices, wg.rnd.Uint32())
	}
	return wg
}

func (wg *WorkloadGenerator) Generate(n int) []Invocation {
	invocations := make([]Invocation, n)
	for i := 0; i < n; i++ {
		invocations[i] = Invocation{
			Index:    i,
			Function: "add",
			Args:     wg.generateCCArgsAdd(i),
		}
	}
	return invocations
}

func (wg *WorkloadGenerator) generateCCArgsAdd(sn int) []string {
	var result []string

	result = append(result, strconv.FormatUint(wg.rnd.Uint64()>>1, 10))                                // message id
	result = append(result, strconv.Itoa(sn))                                                          // sequence number
	result = append(result, strconv.FormatInt(wg.start.Add(time.Duration(sn)*time.Second).Unix(), 10)) // time
	result = append(result, strconv.FormatUint(uint64(wg.devices[wg.rnd.Intn(len(wg.devices))]), 10))  // device id
	result = append(result, strconv.FormatBool(wg.rnd.Intn(2) == 1))                                  // opened
	result = append(result, strconv.Itoa(wg.rnd.Intn(4)))                                              // code type

	return result
}

func WriteInvocations(filename string, invocations []Invocation) error {
	tf, err := os.Create(filename)
	if err != nil {
		return errors.Wrapf(err, "failed to create file %s", filename)
	}
	defer tf.Close()

	w := bufio.NewWriter(tf)
	for _, inv := range invocations {
		line := append([]string{strconv.Itoa(inv.Index), inv.Function}, inv.Args...)
		if _, err := w.WriteString(strings.Join(line, " ") + "\n"); err != nil {
			return errors.Wrapf(err, "failed to write %s", filename)
		}
	}
	return errors.Wrapf(w.Flush(), "failed to write %s", filename)
}

func LoadInvocations(filename string) ([]Invocation, error) {
	tf, err := os.Open(filename)
	if err != nil {
		return nil, errors.Wrapf(err, "fail to open transaction file %s", filename)
	}
	defer tf.Close()

	var invocations []Invocation
	input := bufio.NewScanner(tf)
	for line := 1; input.Scan(); line++ {
		fields := strings.Fields(input.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) < 2 {
			return nil, errors.Errorf("%s:%d: expected an index and a function", filename, line)
		}
		index, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, errors.Wrapf(err, "%s:%d: bad index", filename, line)
		}
		invocations = append(invocations, Invocation{
			Index:    index,
			Function: fields[1],
			Args:     fields[2:],
		})
	}
	if err := input.Err(); err != nil {
		return nil, errors.Wrapf(err, "fail to read transaction file %s", filename)
	}
	return invocations, nil
}

// Invoker submits one transaction and waits for its commit
type Invoker interface {
	Invoke(ctx context.Context, req core.InvokeRequest) (*core.Verdict, error)
}

type ReplaySummary struct {
	Total    int
	Valid    int
	Aborted  map[string]int // by failure kind
	Duration time.Duration
}

// Replay invokes every invocation on chaincode, at most rateLimit per second
// (unlimited when 0) and at most burst in flight
func Replay(
	ctx context.Context,
	invoker Invoker,
	invocations []Invocation,
	channel string,
	chaincode string,
	rateLimit int,
	burst int,
	logger log.FieldLogger,
) (*ReplaySummary, error) {
	if burst < 1 {
		burst = 1
	}
	limit := rate.Inf
	if rateLimit > 0 {
		limit = rate.Limit(rateLimit)
	}
	limiter := rate.NewLimiter(limit, burst)

	summary := &ReplaySummary{Aborted: map[string]int{}}
	mu := sync.Mutex{}

	g := &errgroup.Group{}
	g.SetLimit(burst)

	startTime := time.Now()
	var err error
	for _, inv := range invocations {
		if err = limiter.Wait(ctx); err != nil {
			break
		}

		inv := inv
		g.Go(func() error {
			_, ierr := invoker.Invoke(ctx, core.InvokeRequest{
				Channel:   channel,
				Chaincode: chaincode,
				Function:  inv.Function,
				Args:      inv.Args,
			})

			mu.Lock()
			defer mu.Unlock()
			summary.Total++
			if ierr != nil {
				logger.WithField("index", inv.Index).Warnf("Transaction aborted: %v", ierr)
				summary.Aborted[core.KindOf(ierr).String()]++
				return nil
			}
			summary.Valid++
			return nil
		})
	}
	_ = g.Wait()
	summary.Duration = time.Since(startTime)

	if err != nil {
		return summary, errors.Wrap(err, "replay interrupted")
	}
	return summary, nil
}
