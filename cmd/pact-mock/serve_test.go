package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/form3tech-oss/pact-mock/internal/app/contract"
	client "github.com/form3tech-oss/pact-mock/pkg/pactmock"
	"github.com/pact-foundation/pact-go/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type execution struct {
	out    *bytes.Buffer
	cancel context.CancelFunc
	done   chan error
}

// execute runs the root command in the background. Cancelling the returned
// execution stands in for an interrupt.
func execute(t *testing.T, args ...string) *execution {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	e := &execution{out: &bytes.Buffer{}, cancel: cancel, done: make(chan error, 1)}
	t.Cleanup(cancel)

	root := newRootCommand()
	root.SetOut(e.out)
	root.SetErr(e.out)
	root.SetArgs(args)
	go func() {
		e.done <- root.ExecuteContext(ctx)
	}()
	return e
}

func (e *execution) interrupt(t *testing.T) error {
	t.Helper()
	e.cancel()
	select {
	case err := <-e.done:
		return err
	case <-time.After(10 * time.Second):
		require.FailNow(t, "command did not exit after its context was cancelled")
		return nil
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	port, err := utils.GetFreePort()
	require.NoError(t, err)
	return port
}

func getWithRetry(url string) (*http.Response, error) {
	var res *http.Response
	err := retry.Do(func() error {
		var err error
		res, err = http.Get(url)
		return err
	},
		retry.Attempts(50),
		retry.DelayType(retry.FixedDelay),
		retry.Delay(20*time.Millisecond),
	)
	return res, err
}

func TestServeCommand(t *testing.T) {
	contractPath := filepath.Join(t.TempDir(), "frauds.json")
	require.NoError(t, os.WriteFile(contractPath, []byte(fraudsContract), 0o600))

	tests := []struct {
		name        string
		consumer    string
		provider    string
		sendRequest bool
		wantFile    string
		wantErr     string
		wantOut     string
	}{
		{
			name:        "satisfied contract is written under overridden names",
			consumer:    "loans",
			provider:    "fraud service",
			sendRequest: true,
			wantFile:    "loans-fraud_service.json",
			wantOut:     "PASSED",
		},
		{
			name:     "contract names are kept without overrides",
			wantFile: "loan_issuance-fraud_detection.json",
			wantErr:  "should count frauds",
			wantOut:  "FAILED",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			pactDir := t.TempDir()
			t.Setenv("PACT_DIR", pactDir)
			t.Setenv("CONSUMER", tt.consumer)
			t.Setenv("PROVIDER", tt.provider)
			t.Setenv("DRAIN_TIMEOUT", "1s")

			port := freePort(t)
			e := execute(t, "serve", "--contract", contractPath, "--port", fmt.Sprint(port), "--write-pact")

			if tt.sendRequest {
				res, err := getWithRetry(fmt.Sprintf("http://127.0.0.1:%d/frauds", port))
				require.NoError(t, err)
				res.Body.Close()
				assert.Equal(t, http.StatusOK, res.StatusCode)
			} else {
				require.Eventually(t, func() bool {
					res, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/nowhere", port))
					if err != nil {
						return false
					}
					res.Body.Close()
					return true
				}, 5*time.Second, 20*time.Millisecond)
			}

			err := e.interrupt(t)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.Contains(t, e.out.String(), tt.wantOut)

			data, err := os.ReadFile(filepath.Join(pactDir, tt.wantFile))
			require.NoError(t, err)
			written, err := contract.Read(data)
			require.NoError(t, err)
			require.Len(t, written.Interactions, 1)
			assert.Equal(t, "should count frauds", written.Interactions[0].Description())
		})
	}
}

func TestServeCommandRequiresContract(t *testing.T) {
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"serve"})

	err := root.Execute()
	assert.EqualError(t, err, `required flag(s) "contract" not set`)
}

func TestAdminCommand(t *testing.T) {
	t.Setenv("PACT_DIR", t.TempDir())
	t.Setenv("DRAIN_TIMEOUT", "1s")

	port := freePort(t)
	e := execute(t, "admin", "--port", fmt.Sprint(port))

	admin := client.Configuration(fmt.Sprintf("http://127.0.0.1:%d", port))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, admin.WaitUntilReady(ctx))

	provider, err := admin.SetupProvider([]byte(fraudsContract), 0)
	require.NoError(t, err)
	providers, err := admin.Providers()
	require.NoError(t, err)
	require.Len(t, providers, 1)
	assert.Equal(t, provider.Port, providers[0].Port)

	assert.NoError(t, e.interrupt(t))

	_, err = http.Get(fmt.Sprintf("http://127.0.0.1:%d/ready", port))
	assert.Error(t, err)
}
