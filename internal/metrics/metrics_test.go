package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestNewWorkerRegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	w := NewWorker(reg)
	w.SlotsTotal.Set(4)
	w.RunOutcomes.WithLabelValues("ok").Inc()

	mfs, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, mfs)
}

func TestNewImageRegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	img := NewImage(reg)
	img.BuildsStarted.Inc()

	mfs, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, mfs)
}
