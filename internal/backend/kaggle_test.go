package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kernelops/kdsync/pkg/models"
)

// fakeRunner scripts subprocess responses by command prefix and records the
// invocations it saw.
type fakeRunner struct {
	responses map[string]string
	errs      map[string]error
	calls     []string

	// onOutput lets the download command materialize files.
	onOutput func(dir string)
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	call := name + " " + strings.Join(args, " ")
	f.calls = append(f.calls, call)

	for prefix, err := range f.errs {
		if strings.HasPrefix(call, prefix) {
			return nil, err
		}
	}
	if strings.Contains(call, "kernels output") && f.onOutput != nil {
		f.onOutput(args[len(args)-1])
	}
	for prefix, out := range f.responses {
		if strings.HasPrefix(call, prefix) {
			return []byte(out), nil
		}
	}
	return nil, nil
}

func TestParseKernelStatus(t *testing.T) {
	tests := []struct {
		name    string
		out     string
		want    models.JobState
		wantErr bool
	}{
		{name: "complete", out: `alice/demo has status "KernelWorkerStatus.COMPLETE"`, want: models.JobComplete},
		{name: "error", out: `alice/demo has status "KernelWorkerStatus.ERROR"`, want: models.JobFailed},
		{name: "cancelled", out: `alice/demo has status "KernelWorkerStatus.CANCEL_ACKNOWLEDGED"`, want: models.JobFailed},
		{name: "running", out: `alice/demo has status "KernelWorkerStatus.RUNNING"`, want: models.JobRunning},
		{name: "queued", out: `alice/demo has status "KernelWorkerStatus.QUEUED"`, want: models.JobQueued},
		{name: "garbage", out: "something unexpected", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseKernelStatus(tt.out)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStatusWrapsCLIFailureAsUnavailable(t *testing.T) {
	r := &fakeRunner{errs: map[string]error{"kaggle kernels status": fmt.Errorf("connection refused")}}
	k := newKaggleCLIWithRunner(r, t.TempDir())

	_, err := k.Status(context.Background(), "alice/demo")
	assert.True(t, errors.Is(err, ErrUnavailable))
}

func TestListOutputsDownloadsOnceAndWalks(t *testing.T) {
	r := &fakeRunner{
		responses: map[string]string{"kaggle kernels output": "ok"},
		onOutput: func(dir string) {
			os.WriteFile(filepath.Join(dir, "model.pkl"), []byte("m"), 0o644)
			os.MkdirAll(filepath.Join(dir, "plots"), 0o755)
			os.WriteFile(filepath.Join(dir, "plots", "loss.png"), []byte("p"), 0o644)
		},
	}
	k := newKaggleCLIWithRunner(r, t.TempDir())

	names, err := k.ListOutputs(context.Background(), "alice/demo")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"model.pkl", "plots/loss.png"}, names)

	// Second call is served from the cached download.
	_, err = k.ListOutputs(context.Background(), "alice/demo")
	require.NoError(t, err)

	downloads := 0
	for _, c := range r.calls {
		if strings.Contains(c, "kernels output") {
			downloads++
		}
	}
	assert.Equal(t, 1, downloads)
}

func TestFetchOutputReadsStagedFile(t *testing.T) {
	r := &fakeRunner{
		responses: map[string]string{"kaggle kernels output": "ok"},
		onOutput: func(dir string) {
			os.WriteFile(filepath.Join(dir, "result.csv"), []byte("a,b\n1,2\n"), 0o644)
		},
	}
	k := newKaggleCLIWithRunner(r, t.TempDir())

	rc, err := k.FetchOutput(context.Background(), "alice/demo", "result.csv")
	require.NoError(t, err)
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "a,b\n1,2\n", string(data))
}

func TestParseKernelList(t *testing.T) {
	out := `ref                      title               language  type
alice/titanic-baseline   Titanic Baseline    Python    script
alice/mnist-cnn          MNIST CNN           Python    notebook
`
	kernels := parseKernelList(out)
	require.Len(t, kernels, 2)
	assert.Equal(t, "alice/titanic-baseline", kernels[0].Ref)
	assert.Equal(t, "Titanic Baseline", kernels[0].Title)
	assert.Equal(t, "Python", kernels[0].Language)
}
