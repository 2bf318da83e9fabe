package contents

import (
	"fmt"

	"github.com/VictoriaMetrics/metrics"
)

func observeRequest(op string, status int) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`contents_requests_total{op=%q,status="%d"}`, op, status)).Inc()
}
