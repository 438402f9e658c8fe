// The fetch worker owns one gateway connection for the duration of one
// chain fetch. The dispatcher spawns one worker per refresh with a
// leased connection identity; the worker connects, pulls the bounded
// option chain, and writes exactly one JSON result line to stdout.
// Logs go to stderr so stdout stays a clean result channel. Killing
// the process tears the gateway connection down with it.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"os"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/cmazur/dealspread/internal/gateway"
	"github.com/cmazur/dealspread/internal/models"
	"github.com/cmazur/dealspread/internal/rank"
)

// chainFetchConcurrency bounds parallel per-expiration chain requests
// on the single gateway session.
const chainFetchConcurrency = 4

func main() {
	var (
		gatewayURL      string
		clientID        int
		attemptID       string
		symbol          string
		dealPrice       float64
		closeDate       string
		daysBeforeClose int
		strikeLowerPct  float64
		strikeUpperPct  float64
		timeout         time.Duration
	)
	flag.StringVar(&gatewayURL, "gateway", "http://127.0.0.1:5000", "Gateway base URL")
	flag.IntVar(&clientID, "client-id", 0, "Leased connection identity")
	flag.StringVar(&attemptID, "attempt-id", "", "Dispatcher attempt ID, echoed in the result")
	flag.StringVar(&symbol, "symbol", "", "Underlying symbol")
	flag.Float64Var(&dealPrice, "deal-price", 0, "Announced deal price")
	flag.StringVar(&closeDate, "close-date", "", "Expected deal close date (YYYY-MM-DD)")
	flag.IntVar(&daysBeforeClose, "days-before-close", 0, "Expiration window around the close date; 0 selects the straddling pair")
	flag.Float64Var(&strikeLowerPct, "strike-lower-pct", 0, "Lower strike window bound as a fraction of the deal price")
	flag.Float64Var(&strikeUpperPct, "strike-upper-pct", 0, "Upper strike window bound as a fraction of max(deal, spot)")
	flag.DurationVar(&timeout, "timeout", 170*time.Second, "Overall fetch budget")
	flag.Parse()

	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	bounds := strikeBounds{dealPrice: dealPrice, lowerPct: strikeLowerPct, upperPct: strikeUpperPct}
	snap, ferr := fetch(ctx, logger, gatewayURL, clientID, symbol, closeDate, daysBeforeClose, bounds)
	if ferr != nil {
		emit(models.WorkerResult{
			Success:   false,
			AttemptID: attemptID,
			ErrorCode: ferr.code,
			Error:     ferr.err.Error(),
		})
		os.Exit(1)
	}

	emit(models.WorkerResult{Success: true, AttemptID: attemptID, Snapshot: snap})
}

type fetchErr struct {
	code string
	err  error
}

// strikeBounds limits the fetched chain to strikes the ranker can use,
// keeping worker payloads small.
type strikeBounds struct {
	dealPrice float64
	lowerPct  float64
	upperPct  float64
}

func (b strikeBounds) keep(strike, spot float64) bool {
	if b.dealPrice <= 0 {
		return true
	}
	lo := b.dealPrice * (1 - b.lowerPct)
	hi := b.dealPrice * (1 + b.upperPct)
	if spot > b.dealPrice {
		hi = spot * (1 + b.upperPct)
	}
	return strike >= lo && strike <= hi
}

func fetch(ctx context.Context, logger *logrus.Logger, gatewayURL string, clientID int,
	symbol, closeDate string, daysBeforeClose int, bounds strikeBounds) (*models.ChainSnapshot, *fetchErr) {
	client := gateway.NewClient(gatewayURL, 15*time.Second)

	sess, err := client.Connect(ctx, clientID)
	if err != nil {
		if errors.Is(err, gateway.ErrIdentityInUse) {
			return nil, &fetchErr{code: "identity_conflict", err: err}
		}
		return nil, &fetchErr{code: "gateway_unreachable", err: err}
	}
	// The gateway frees the identity shortly after disconnect either way.
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		if err := sess.Close(closeCtx); err != nil {
			logger.WithError(err).Warn("session close failed")
		}
	}()

	logger.WithFields(logrus.Fields{
		"symbol":    symbol,
		"client_id": clientID,
	}).Info("connected to gateway")

	spot, err := sess.Quote(ctx, symbol)
	if err != nil {
		return nil, &fetchErr{code: "worker_failure", err: err}
	}

	expirations, err := sess.Expirations(ctx, symbol)
	if err != nil {
		return nil, &fetchErr{code: "worker_failure", err: err}
	}
	selected := rank.SelectExpirations(expirations, closeDate, daysBeforeClose)
	if len(selected) == 0 {
		return nil, &fetchErr{code: "no_data", err: errors.New("no expirations near the close date")}
	}

	chains := make([]models.ExpirationChain, len(selected))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(chainFetchConcurrency)
	for i, exp := range selected {
		g.Go(func() error {
			quotes, err := sess.Chain(gctx, symbol, exp)
			if err != nil {
				return err
			}
			kept := quotes[:0]
			for _, q := range quotes {
				if bounds.keep(q.Strike, spot) {
					kept = append(kept, q)
				}
			}
			chains[i] = models.ExpirationChain{Expiration: exp, Quotes: kept}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, &fetchErr{code: "worker_failure", err: err}
	}

	nonEmpty := chains[:0]
	for _, c := range chains {
		if len(c.Quotes) > 0 {
			nonEmpty = append(nonEmpty, c)
		}
	}
	if len(nonEmpty) == 0 {
		return nil, &fetchErr{code: "no_data", err: errors.New("option chain empty for requested expirations")}
	}
	sort.Slice(nonEmpty, func(i, j int) bool { return nonEmpty[i].Expiration < nonEmpty[j].Expiration })

	logger.WithFields(logrus.Fields{
		"symbol":      symbol,
		"expirations": len(nonEmpty),
		"spot":        spot,
	}).Info("chain fetch complete")

	return &models.ChainSnapshot{
		Symbol:      symbol,
		SpotPrice:   spot,
		FetchedAt:   time.Now().UTC(),
		Source:      models.SourceAgent,
		Expirations: nonEmpty,
	}, nil
}

func emit(res models.WorkerResult) {
	enc := json.NewEncoder(os.Stdout)
	if err := enc.Encode(res); err != nil {
		logrus.WithError(err).Error("failed to encode worker result")
	}
}
