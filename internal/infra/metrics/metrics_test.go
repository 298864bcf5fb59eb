package metrics

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordIngest(t *testing.T) {
	before := testutil.ToFloat64(IngestEvents.WithLabelValues(ResultDuplicate))
	RecordIngest(ResultDuplicate, 5*time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(IngestEvents.WithLabelValues(ResultDuplicate)))
}

func TestRecordPromotion(t *testing.T) {
	okBefore := testutil.ToFloat64(PromotionDeliveries.WithLabelValues("log", "ok"))
	errBefore := testutil.ToFloat64(PromotionDeliveries.WithLabelValues("log", "error"))

	RecordPromotion("log", nil)
	RecordPromotion("log", errors.New("boom"))

	assert.Equal(t, okBefore+1, testutil.ToFloat64(PromotionDeliveries.WithLabelValues("log", "ok")))
	assert.Equal(t, errBefore+1, testutil.ToFloat64(PromotionDeliveries.WithLabelValues("log", "error")))
}

func TestRecordPollRun(t *testing.T) {
	fetchedBefore := testutil.ToFloat64(PollFetchedEvents)
	RecordPollRun(7, nil)
	assert.Equal(t, fetchedBefore+7, testutil.ToFloat64(PollFetchedEvents))
}

func TestSetPollerRunning(t *testing.T) {
	SetPollerRunning(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(PollerRunning))
	SetPollerRunning(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(PollerRunning))
}
