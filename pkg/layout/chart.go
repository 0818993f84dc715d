package layout

import (
	"encoding/json"
	"html/template"

	"trionyx/pkg/utils"
)

// Chart kinds.
const (
	LineChart     = "line"
	BarChart      = "bar"
	DoughnutChart = "doughnut"
	PieChart      = "pie"
)

// Dataset is one data series.
type Dataset struct {
	Label string    `json:"label"`
	Data  []float64 `json:"data"`
	Color string    `json:"backgroundColor,omitempty"`
}

// Chart renders a canvas and the chart.js configuration for it.
type Chart struct {
	Node
	Kind     string
	Title    string
	Labels   []string
	Datasets []Dataset
	Height   int
}

// NewChart returns a chart of kind with the given labels.
func NewChart(kind string, labels []string, datasets ...Dataset) *Chart {
	return &Chart{Kind: kind, Labels: labels, Datasets: datasets, Height: 250}
}

// Code is the chart kind followed by "chart", e.g. "linechart".
func (c *Chart) Code() string { return c.Kind + "chart" }

type chartConfig struct {
	Type string `json:"type"`
	Data struct {
		Labels   []string  `json:"labels"`
		Datasets []Dataset `json:"datasets"`
	} `json:"data"`
	Options struct {
		Responsive bool `json:"responsive"`
		Legend     struct {
			Display bool `json:"display"`
		} `json:"legend"`
	} `json:"options"`
}

func (c *Chart) Render(ctx *Context) (template.HTML, error) {
	id := c.ID
	if id == "" {
		id = "chart-" + utils.RandomString(6)
	}
	var cfg chartConfig
	cfg.Type = c.Kind
	cfg.Data.Labels = c.Labels
	cfg.Data.Datasets = c.Datasets
	cfg.Options.Responsive = true
	cfg.Options.Legend.Display = len(c.Datasets) > 1 || c.Kind == DoughnutChart || c.Kind == PieChart
	blob, err := json.Marshal(cfg)
	if err != nil {
		return "", err
	}
	return ctx.engine().HTML("component_chart", map[string]any{
		"ID":     id,
		"Title":  c.Title,
		"Kind":   c.Kind,
		"Height": c.Height,
		"Config": template.JS(blob),
	})
}
