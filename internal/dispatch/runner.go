package dispatch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cmazur/dealspread/internal/models"
)

// Runner executes one isolated fetch attempt using a leased connection
// identity and returns the snapshot the worker produced.
type Runner interface {
	Run(ctx context.Context, clientID int, attemptID string, req models.FetchRequest) (*models.ChainSnapshot, error)
}

// ExecRunner spawns the fetch worker binary per attempt. The worker
// owns its gateway connection for the duration of one fetch; killing
// the process on deadline also tears the connection down, so no
// identity lingers past the gateway's grace period.
type ExecRunner struct {
	BinPath    string
	GatewayURL string
	Logger     *logrus.Logger

	// WaitDelay bounds how long Wait allows the worker to exit after a
	// kill before giving up on its pipes. Zero means 5s.
	WaitDelay time.Duration
}

// scanBufSize accommodates a full multi-expiration chain on one result line.
const scanBufSize = 16 * 1024 * 1024

// workerTimeoutMargin keeps the worker's own fetch budget inside the
// dispatcher's kill deadline, so the worker can wind down and report
// cleanly instead of being killed mid-write.
const workerTimeoutMargin = 5 * time.Second

// Run invokes the worker and parses its single structured result line
// from stdout. A worker that exits without a result line is a failure
// regardless of exit code.
func (r *ExecRunner) Run(ctx context.Context, clientID int, attemptID string, req models.FetchRequest) (*models.ChainSnapshot, error) {
	args := []string{
		"-gateway", r.GatewayURL,
		"-client-id", strconv.Itoa(clientID),
		"-attempt-id", attemptID,
		"-symbol", req.Symbol,
		"-deal-price", strconv.FormatFloat(req.DealPrice, 'f', -1, 64),
		"-close-date", req.TargetCloseDate,
		"-days-before-close", strconv.Itoa(req.DaysBeforeClose),
		"-strike-lower-pct", strconv.FormatFloat(req.StrikeLowerPct, 'f', -1, 64),
		"-strike-upper-pct", strconv.FormatFloat(req.StrikeUpperPct, 'f', -1, 64),
	}
	// The worker's internal budget follows the dispatch deadline rather
	// than the worker binary's own default.
	if dl, ok := ctx.Deadline(); ok {
		budget := time.Until(dl) - workerTimeoutMargin
		if budget < time.Second {
			budget = time.Second
		}
		args = append(args, "-timeout", budget.String())
	}

	cmd := exec.CommandContext(ctx, r.BinPath, args...) // #nosec G204 -- binary path comes from config
	cmd.WaitDelay = r.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = 5 * time.Second
	}

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, NewFetchError(CodeWorkerFailure, "opening worker stdout", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, NewFetchError(CodeWorkerFailure, "starting worker", err)
	}

	// The worker logs to stderr; stdout carries exactly one JSON result
	// line. Keep the last parseable line in case anything else leaks in.
	var result *models.WorkerResult
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), scanBufSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var wr models.WorkerResult
		if err := json.Unmarshal(line, &wr); err == nil {
			result = &wr
		}
	}
	scanErr := scanner.Err()

	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		return nil, NewFetchError(CodeWorkerTimeout,
			fmt.Sprintf("worker killed after deadline (attempt %s)", attemptID), ctx.Err())
	}
	if scanErr != nil {
		return nil, NewFetchError(CodeWorkerFailure, "reading worker output", scanErr)
	}
	if result == nil {
		msg := "worker exited without a result"
		if tail := stderrTail(stderr.Bytes()); tail != "" {
			msg = fmt.Sprintf("%s: %s", msg, tail)
		}
		return nil, NewFetchError(CodeWorkerFailure, msg, waitErr)
	}
	if !result.Success {
		code := codeFromWorker(result.ErrorCode)
		return nil, NewFetchError(code, result.Error, nil)
	}
	if result.Snapshot == nil || len(result.Snapshot.Expirations) == 0 {
		return nil, NewFetchError(CodeNoData,
			fmt.Sprintf("no option data for %s", req.Symbol), nil)
	}

	if r.Logger != nil {
		r.Logger.WithFields(logrus.Fields{
			"symbol":      req.Symbol,
			"attempt_id":  attemptID,
			"client_id":   clientID,
			"expirations": len(result.Snapshot.Expirations),
		}).Debug("worker fetch completed")
	}
	return result.Snapshot, nil
}

// codeFromWorker maps a worker-reported error code onto the dispatch
// taxonomy, defaulting unknown codes to a plain worker failure.
func codeFromWorker(code string) Code {
	switch Code(code) {
	case CodeIdentityConflict, CodeGatewayUnreachable, CodeNoData:
		return Code(code)
	default:
		return CodeWorkerFailure
	}
}

func stderrTail(b []byte) string {
	const max = 512
	b = bytes.TrimSpace(b)
	if len(b) > max {
		b = b[len(b)-max:]
	}
	return string(b)
}

var _ Runner = (*ExecRunner)(nil)
