package telemetry

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

var defaultRegistry = newRegistry()

type registry struct {
	mu                  sync.Mutex
	toolCalls           map[string]map[string]int64
	toolDurationBuckets map[string][]int64
	toolTimeouts        int64
	resourceAcquires    map[string]map[string]int64
	resourceReconnects  map[string]int64
	backendAPIErrors    map[string]map[int]int64
}

func newRegistry() *registry {
	return &registry{
		toolCalls:           make(map[string]map[string]int64),
		toolDurationBuckets: make(map[string][]int64),
		resourceAcquires:    make(map[string]map[string]int64),
		resourceReconnects:  make(map[string]int64),
		backendAPIErrors:    make(map[string]map[int]int64),
	}
}

func IncToolCall(toolName, status string) {
	defaultRegistry.mu.Lock()
	defer defaultRegistry.mu.Unlock()
	if _, ok := defaultRegistry.toolCalls[toolName]; !ok {
		defaultRegistry.toolCalls[toolName] = make(map[string]int64)
	}
	defaultRegistry.toolCalls[toolName][status]++
}

func ObserveToolDuration(toolName string, d time.Duration) {
	buckets := []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60}
	sec := d.Seconds()

	defaultRegistry.mu.Lock()
	defer defaultRegistry.mu.Unlock()
	if _, ok := defaultRegistry.toolDurationBuckets[toolName]; !ok {
		defaultRegistry.toolDurationBuckets[toolName] = make([]int64, len(buckets)+1)
	}
	idx := len(buckets)
	for i, b := range buckets {
		if sec <= b {
			idx = i
			break
		}
	}
	defaultRegistry.toolDurationBuckets[toolName][idx]++
}

func IncToolTimeout() {
	defaultRegistry.mu.Lock()
	defaultRegistry.toolTimeouts++
	defaultRegistry.mu.Unlock()
}

func IncResourceAcquire(kind, outcome string) {
	defaultRegistry.mu.Lock()
	defer defaultRegistry.mu.Unlock()
	if _, ok := defaultRegistry.resourceAcquires[kind]; !ok {
		defaultRegistry.resourceAcquires[kind] = make(map[string]int64)
	}
	defaultRegistry.resourceAcquires[kind][outcome]++
}

func IncResourceReconnect(kind string) {
	defaultRegistry.mu.Lock()
	defaultRegistry.resourceReconnects[kind]++
	defaultRegistry.mu.Unlock()
}

func IncBackendAPIError(backend string, statusCode int) {
	defaultRegistry.mu.Lock()
	defer defaultRegistry.mu.Unlock()
	if _, ok := defaultRegistry.backendAPIErrors[backend]; !ok {
		defaultRegistry.backendAPIErrors[backend] = make(map[int]int64)
	}
	defaultRegistry.backendAPIErrors[backend][statusCode]++
}

func RenderPrometheus() string {
	defaultRegistry.mu.Lock()
	defer defaultRegistry.mu.Unlock()

	var sb strings.Builder

	sb.WriteString("# TYPE perfhub_tool_calls_total counter\n")
	toolNames := sortedKeys(defaultRegistry.toolCalls)
	for _, tool := range toolNames {
		statuses := sortedKeys(defaultRegistry.toolCalls[tool])
		for _, status := range statuses {
			sb.WriteString(fmt.Sprintf("perfhub_tool_calls_total{tool=\"%s\",status=\"%s\"} %d\n", tool, status, defaultRegistry.toolCalls[tool][status]))
		}
	}

	sb.WriteString("# TYPE perfhub_tool_duration_seconds_bucket counter\n")
	bucketLabels := []string{"0.1", "0.5", "1", "2", "5", "10", "30", "60", "+Inf"}
	for _, tool := range sortedKeys(defaultRegistry.toolDurationBuckets) {
		counts := defaultRegistry.toolDurationBuckets[tool]
		for i, v := range counts {
			sb.WriteString(fmt.Sprintf("perfhub_tool_duration_seconds_bucket{tool=\"%s\",le=\"%s\"} %d\n", tool, bucketLabels[i], v))
		}
	}

	sb.WriteString("# TYPE perfhub_tool_timeouts_total counter\n")
	sb.WriteString(fmt.Sprintf("perfhub_tool_timeouts_total %d\n", defaultRegistry.toolTimeouts))

	sb.WriteString("# TYPE perfhub_resource_acquisitions_total counter\n")
	for _, kind := range sortedKeys(defaultRegistry.resourceAcquires) {
		outcomes := sortedKeys(defaultRegistry.resourceAcquires[kind])
		for _, outcome := range outcomes {
			sb.WriteString(fmt.Sprintf("perfhub_resource_acquisitions_total{kind=\"%s\",outcome=\"%s\"} %d\n", kind, outcome, defaultRegistry.resourceAcquires[kind][outcome]))
		}
	}

	sb.WriteString("# TYPE perfhub_resource_reconnects_total counter\n")
	for _, kind := range sortedKeys(defaultRegistry.resourceReconnects) {
		sb.WriteString(fmt.Sprintf("perfhub_resource_reconnects_total{kind=\"%s\"} %d\n", kind, defaultRegistry.resourceReconnects[kind]))
	}

	sb.WriteString("# TYPE perfhub_backend_api_errors_total counter\n")
	for _, backend := range sortedKeys(defaultRegistry.backendAPIErrors) {
		statusCodes := make([]int, 0, len(defaultRegistry.backendAPIErrors[backend]))
		for sc := range defaultRegistry.backendAPIErrors[backend] {
			statusCodes = append(statusCodes, sc)
		}
		sort.Ints(statusCodes)
		for _, sc := range statusCodes {
			sb.WriteString(fmt.Sprintf("perfhub_backend_api_errors_total{backend=\"%s\",status_code=\"%d\"} %d\n", backend, sc, defaultRegistry.backendAPIErrors[backend][sc]))
		}
	}

	return sb.String()
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
