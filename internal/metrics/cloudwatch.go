package metrics

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"rugfeed/logger"
)

// cloudWatchBatch is the PutMetricData limit per request.
const cloudWatchBatch = 1000

// CloudWatchAPI is the subset of the CloudWatch client the publisher uses.
type CloudWatchAPI interface {
	PutMetricData(ctx context.Context, in *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchPublisher pushes collector counters as deltas since the last
// push, plus any metric emitted through EmitMetric in between.
type CloudWatchPublisher struct {
	client    CloudWatchAPI
	collector *Collector
	namespace string
	interval  time.Duration
	log       *logger.Log

	mu        sync.Mutex
	last      map[string]float64
	pending   []cwtypes.MetricDatum
	handlerID MetricHandlerID

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewCloudWatchPublisher loads AWS configuration for region (falling back to
// AWS_REGION) and builds a publisher.
func NewCloudWatchPublisher(ctx context.Context, region, namespace string, interval time.Duration, collector *Collector) (*CloudWatchPublisher, error) {
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	opts := []func(*config.LoadOptions) error{}
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}
	return newCloudWatchPublisher(cloudwatch.NewFromConfig(cfg), namespace, interval, collector), nil
}

func newCloudWatchPublisher(client CloudWatchAPI, namespace string, interval time.Duration, collector *Collector) *CloudWatchPublisher {
	if namespace == "" {
		namespace = "Rugfeed"
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &CloudWatchPublisher{
		client:    client,
		collector: collector,
		namespace: namespace,
		interval:  interval,
		log:       logger.GetLogger(),
		last:      make(map[string]float64),
	}
}

func (p *CloudWatchPublisher) Name() string { return "cloudwatch_metrics" }

// Start begins periodic publishing and subscribes to EmitMetric events.
func (p *CloudWatchPublisher) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("cloudwatch publisher already running")
	}
	p.running = true
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.mu.Unlock()

	p.handlerID = RegisterMetricHandler(p.queue)

	p.wg.Add(1)
	go p.loop()

	p.log.WithComponent("cloudwatch").WithFields(logger.Fields{
		"namespace": p.namespace,
		"interval":  p.interval.String(),
	}).Info("cloudwatch publisher started")
	return nil
}

// Stop publishes a final batch and stops the loop.
func (p *CloudWatchPublisher) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	p.mu.Unlock()

	UnregisterMetricHandler(p.handlerID)
	cancel()
	p.wg.Wait()

	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	p.Publish(ctx)
	p.log.WithComponent("cloudwatch").Info("cloudwatch publisher stopped")
}

func (p *CloudWatchPublisher) loop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.Publish(p.ctx)
		}
	}
}

func (p *CloudWatchPublisher) queue(m Metric) {
	v, ok := m.Float64()
	if !ok {
		return
	}
	datum := buildDatum(m.Name, v, m.Fields, map[string]string{"component": m.Component})
	p.mu.Lock()
	p.pending = append(p.pending, datum)
	p.mu.Unlock()
}

// Publish sends everything gathered since the previous call.
func (p *CloudWatchPublisher) Publish(ctx context.Context) {
	data := p.collect()
	if len(data) == 0 {
		return
	}
	for start := 0; start < len(data); start += cloudWatchBatch {
		end := start + cloudWatchBatch
		if end > len(data) {
			end = len(data)
		}
		if _, err := p.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
			Namespace:  aws.String(p.namespace),
			MetricData: data[start:end],
		}); err != nil {
			p.log.WithComponent("cloudwatch").WithError(err).Warn("failed to publish CloudWatch metrics")
			return
		}
	}
	p.log.WithComponent("cloudwatch").WithField("datums", len(data)).Debug("published metrics to CloudWatch")
}

func (p *CloudWatchPublisher) collect() []cwtypes.MetricDatum {
	p.mu.Lock()
	data := p.pending
	p.pending = nil
	p.mu.Unlock()

	if p.collector == nil {
		return data
	}
	samples, err := p.collector.Samples()
	if err != nil {
		p.log.WithComponent("cloudwatch").WithError(err).Warn("failed to gather metrics")
		return data
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range samples {
		key := seriesKey(s)
		value := s.Value
		if !strings.HasSuffix(s.Name, "_operating_mode") {
			value = s.Value - p.last[key]
			p.last[key] = s.Value
			if value == 0 {
				continue
			}
		}
		data = append(data, buildDatum(s.Name, value, nil, s.Labels))
	}
	return data
}

func seriesKey(s Sample) string {
	keys := make([]string, 0, len(s.Labels))
	for k := range s.Labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(s.Name)
	for _, k := range keys {
		b.WriteString("|" + k + "=" + s.Labels[k])
	}
	return b.String()
}

func buildDatum(name string, value float64, fields logger.Fields, labels map[string]string) cwtypes.MetricDatum {
	unit := cwtypes.StandardUnitCount
	if raw, ok := fields["unit"].(string); ok {
		if parsed, found := metricUnitFromString(raw); found {
			unit = parsed
		}
	}

	dims := make([]cwtypes.Dimension, 0, len(labels)+len(fields))
	for k, v := range labels {
		if v != "" {
			dims = append(dims, cwtypes.Dimension{Name: aws.String(k), Value: aws.String(v)})
		}
	}
	for k, v := range fields {
		if k == "unit" {
			continue
		}
		if s, ok := v.(string); ok && s != "" {
			dims = append(dims, cwtypes.Dimension{Name: aws.String(k), Value: aws.String(s)})
		}
	}
	sort.Slice(dims, func(i, j int) bool { return *dims[i].Name < *dims[j].Name })

	return cwtypes.MetricDatum{
		MetricName: aws.String(name),
		Dimensions: dims,
		Unit:       unit,
		Value:      aws.Float64(value),
	}
}

func metricUnitFromString(unit string) (cwtypes.StandardUnit, bool) {
	switch strings.ToLower(unit) {
	case "count":
		return cwtypes.StandardUnitCount, true
	case "percent":
		return cwtypes.StandardUnitPercent, true
	case "bytes":
		return cwtypes.StandardUnitBytes, true
	case "seconds":
		return cwtypes.StandardUnitSeconds, true
	default:
		return cwtypes.StandardUnitCount, false
	}
}
