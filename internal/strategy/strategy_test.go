package strategy_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/tradelab/paramopt/internal/optimizer"
	"github.com/tradelab/paramopt/internal/store/model"
	"github.com/tradelab/paramopt/internal/strategy"
)

// trendCSV writes a series that rises for half the bars and falls for the rest.
func trendCSV(bars int) string {
	var b bytes.Buffer
	b.WriteString("time,open,high,low,close,volume\n")
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	price := 100.0
	for i := 0; i < bars; i++ {
		if i < bars/2 {
			price *= 1.01
		} else {
			price *= 0.99
		}
		wiggle := 0.5 * math.Sin(float64(i))
		fmt.Fprintf(&b, "%s,%.4f,%.4f,%.4f,%.4f,%d\n",
			start.Add(time.Duration(i)*time.Hour).Format(time.RFC3339),
			price, price+1+wiggle, price-1-wiggle, price+wiggle, 1000+i)
	}
	return b.String()
}

var _ = Describe("series", func() {
	It("parses a csv with rfc3339 and millisecond times", func() {
		data := "time,open,high,low,close,volume\n" +
			"2024-01-01T00:00:00Z,1,2,0.5,1.5,10\n" +
			"1704070800000,1.5,2.5,1,2,20\n"
		s, err := strategy.ParseCSV(strings.NewReader(data))
		Expect(err).To(BeNil())
		Expect(s.Len()).To(Equal(2))
		Expect(s.Bars[1].Time).To(Equal(time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC)))
		Expect(s.Closes()).To(Equal([]float64{1.5, 2}))
	})

	It("rejects unordered bars", func() {
		data := "time,open,high,low,close,volume\n" +
			"2024-01-01T01:00:00Z,1,2,0.5,1.5,10\n" +
			"2024-01-01T00:00:00Z,1,2,0.5,1.5,10\n"
		_, err := strategy.ParseCSV(strings.NewReader(data))
		Expect(err).NotTo(BeNil())
	})

	It("rejects a header without the required columns", func() {
		_, err := strategy.ParseCSV(strings.NewReader("time,close\n2024-01-01T00:00:00Z,1\n"))
		Expect(err).To(MatchError(ContainSubstring("open")))
	})
})

var _ = Describe("file loader", func() {
	var dir string

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
		Expect(os.WriteFile(filepath.Join(dir, "BTCUSDT_1h.csv"), []byte(trendCSV(48)), 0o600)).To(Succeed())
	})

	It("loads and windows the selected series", func() {
		start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
		end := time.Date(2024, 1, 1, 19, 0, 0, 0, time.UTC)
		s, err := strategy.NewFileLoader(dir).Load(context.TODO(), model.DatasetSelector{
			Symbol: "btcusdt", Timeframe: "1h", Start: &start, End: &end,
		})
		Expect(err).To(BeNil())
		Expect(s.Symbol).To(Equal("BTCUSDT"))
		Expect(s.Len()).To(Equal(10))
	})

	It("reports a missing dataset", func() {
		_, err := strategy.NewFileLoader(dir).Load(context.TODO(), model.DatasetSelector{Symbol: "ETHUSDT", Timeframe: "1h"})
		Expect(errors.Is(err, strategy.ErrDatasetNotFound)).To(BeTrue())
	})
})

var _ = Describe("strategies", func() {
	var series *strategy.Series

	BeforeEach(func() {
		var err error
		series, err = strategy.ParseCSV(strings.NewReader(trendCSV(200)))
		Expect(err).To(BeNil())
		series.Timeframe = "1h"
	})

	It("knows the built-in strategies", func() {
		reg := strategy.DefaultRegistry()
		Expect(reg.Names()).To(Equal([]string{"breakout", "sma_crossover"}))
		_, err := reg.Lookup("martingale")
		Expect(errors.Is(err, strategy.ErrUnknownStrategy)).To(BeTrue())

		for _, name := range reg.Names() {
			s, err := reg.Lookup(name)
			Expect(err).To(BeNil())
			Expect(s.DefaultSpace().Validate()).To(Succeed())
		}
	})

	It("scores the sma crossover deterministically", func() {
		ev := strategy.NewSMACrossover().Evaluator(series)
		params := optimizer.Params{"fast": 5, "slow": 20, "allow_short": true}

		first, err := ev.Evaluate(context.TODO(), params)
		Expect(err).To(BeNil())
		second, err := ev.Evaluate(context.TODO(), params)
		Expect(err).To(BeNil())
		Expect(second.Score).To(Equal(first.Score))
		Expect(first.Metrics[strategy.MetricTrades]).To(BeNumerically(">=", 1))
		Expect(first.Metrics[strategy.MetricTotalReturn]).To(BeNumerically(">", 0))
	})

	It("fails the evaluation for inconsistent parameters", func() {
		ev := strategy.NewSMACrossover().Evaluator(series)
		_, err := ev.Evaluate(context.TODO(), optimizer.Params{"fast": 30, "slow": 20})
		Expect(errors.Is(err, strategy.ErrInvalidParams)).To(BeTrue())
	})

	It("runs the breakout strategy", func() {
		ev := strategy.NewBreakout().Evaluator(series)
		res, err := ev.Evaluate(context.TODO(), optimizer.Params{"entry": 10, "exit": 5, "stop": 0.05})
		Expect(err).To(BeNil())
		Expect(math.IsNaN(res.Score)).To(BeFalse())
		Expect(res.Metrics).To(HaveKey(strategy.MetricMaxDrawdown))
	})

	It("computes backtest metrics", func() {
		closes := []float64{100, 110, 121, 108.9}
		m := strategy.Backtest(closes, []float64{1, 1, 0, 0}, "1d", 0)
		Expect(m[strategy.MetricTotalReturn]).To(BeNumerically("~", 0.21, 1e-9))
		Expect(m[strategy.MetricTrades]).To(Equal(2.0))
		Expect(m[strategy.MetricMaxDrawdown]).To(Equal(0.0))
	})
})

var _ = Describe("presets", func() {
	It("resolves the built-in default", func() {
		c := strategy.NewPresetCatalog(strategy.DefaultRegistry())
		space, err := c.Resolve("sma_crossover", "")
		Expect(err).To(BeNil())
		Expect(space.Names()).To(ContainElements("fast", "slow"))

		_, err = c.Resolve("sma_crossover", "aggressive")
		Expect(errors.Is(err, strategy.ErrUnknownPreset)).To(BeTrue())
	})

	It("loads presets from yaml", func() {
		path := filepath.Join(GinkgoT().TempDir(), "presets.yaml")
		Expect(os.WriteFile(path, []byte(`presets:
- name: narrow
  strategy: sma_crossover
  space:
    parameters:
    - name: fast
      kind: integer
      min: 5
      max: 10
    - name: slow
      kind: discrete
      values: [20, 30]
`), 0o600)).To(Succeed())

		c := strategy.NewPresetCatalog(strategy.DefaultRegistry())
		Expect(c.LoadFile(path)).To(Succeed())
		space, err := c.Resolve("sma_crossover", "narrow")
		Expect(err).To(BeNil())
		Expect(space.Parameters).To(HaveLen(2))
		Expect(c.List()).To(HaveLen(3))
	})

	It("rejects an invalid preset space", func() {
		path := filepath.Join(GinkgoT().TempDir(), "presets.yaml")
		Expect(os.WriteFile(path, []byte("presets:\n- name: broken\n  strategy: breakout\n  space:\n    parameters: []\n"), 0o600)).To(Succeed())
		c := strategy.NewPresetCatalog(strategy.DefaultRegistry())
		Expect(errors.Is(c.LoadFile(path), optimizer.ErrInvalidSpace)).To(BeTrue())
	})
})
