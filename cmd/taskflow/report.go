// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/taskflow/pkg/core/distributed"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
	redRowStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "9", Dark: "9"}).
			Bold(true).
			PaddingLeft(1).PaddingRight(1)
	titleStyle = lipgloss.NewStyle().Bold(true).MarginTop(1)
)

// table accumulates rows, some of them highlighted in red.
type table struct {
	t     *lgtable.Table
	count int
	reds  map[int]bool
}

func newTable(headers []string, alignments ...lipgloss.Position) *table {
	t := &table{reds: make(map[int]bool)}
	t.t = lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		Headers(headers...).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if row < 0 {
				return headerRowStyle
			}
			switch {
			case t.reds[row]:
				s = redRowStyle
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			alignment := lipgloss.Left
			if col < len(alignments) {
				alignment = alignments[col]
			} else if len(alignments) > 0 {
				alignment = alignments[len(alignments)-1]
			}
			return s.Align(alignment)
		})
	return t
}

func (t *table) row(isRed bool, cells ...string) {
	if isRed {
		t.reds[t.count] = true
	}
	t.t.Row(cells...)
	t.count++
}

func streamName(deviceType distributed.DeviceType, deviceIndex int, role distributed.StreamRole) string {
	return fmt.Sprintf("%s:%d/%s", deviceType, deviceIndex, role)
}

func thrdName(thrdID int64) string {
	deviceType, deviceIndex, role, err := distributed.DecodeThrdID(thrdID)
	if err != nil {
		return fmt.Sprintf("#%d", thrdID)
	}
	return streamName(deviceType, deviceIndex, role)
}

// report prints the tasks, their execution sequences and the stream counters of the scenario.
func report(w io.Writer, result *scenarioResult) {
	lipgloss.SetColorProfile(termenv.NewOutput(os.Stdout).EnvColorProfile())

	summary := newTable([]string{"Boxing", "Value"}, lipgloss.Left, lipgloss.Right)
	summary.row(false, "Logical shape", result.opts.logicalShape.String())
	summary.row(false, "Partitioning", fmt.Sprintf("%s -> %s", result.opts.src, result.opts.dst))
	summary.row(false, "Participant", fmt.Sprintf("%d of %d", result.opts.parallelCtx.ParallelID, result.opts.parallelCtx.ParallelNum))
	summary.row(false, "Serialized graph", humanize.Bytes(uint64(result.transportBytes)))
	summary.row(false, "Instructions per run", humanize.Comma(int64(result.numInstructions)))
	_, _ = fmt.Fprintln(w, summary.t.Render())

	_, _ = fmt.Fprintln(w, titleStyle.Render("Tasks"))
	tasks := newTable([]string{"Task", "Stream", "Register", "Blobs", "Time Shape", "Size", "Consumers"},
		lipgloss.Left, lipgloss.Left, lipgloss.Left, lipgloss.Left, lipgloss.Left, lipgloss.Right, lipgloss.Left)
	for _, n := range result.tasks {
		for _, r := range n.ProducedRegsts() {
			var blobs []string
			for _, lbi := range r.Lbis() {
				blobs = append(blobs, fmt.Sprintf("%s: %s", lbi, r.GetBlobDesc(lbi).Shape))
			}
			consumers := make([]string, 0, len(r.ConsumerTaskIDs()))
			for _, id := range r.ConsumerTaskIDs() {
				consumers = append(consumers, fmt.Sprintf("#%d", id))
			}
			tasks.row(false, n.String(), thrdName(n.ThrdID()), fmt.Sprintf("%s#%d", r.Name(), r.ID()),
				strings.Join(blobs, "\n"), r.TimeShape().String(), humanize.Bytes(uint64(r.BytesPerRegister())),
				strings.Join(consumers, ", "))
		}
	}
	_, _ = fmt.Fprintln(w, tasks.t.Render())

	_, _ = fmt.Fprintln(w, titleStyle.Render("Execution Sequences"))
	seqs := newTable([]string{"Task", "Operator", "DType", "Bindings"})
	for _, n := range result.tasks {
		for _, node := range result.seqs[n.ID()].ExecNodes {
			bns := make([]string, 0, len(node.BnInOp2RegstDescID))
			for bn := range node.BnInOp2RegstDescID {
				bns = append(bns, bn)
			}
			sort.Strings(bns)
			for ii, bn := range bns {
				bns[ii] = fmt.Sprintf("%s -> #%d", bn, node.BnInOp2RegstDescID[bn])
			}
			kind, _ := node.KernelConf.OpConf.Kind()
			seqs.row(false, n.String(), fmt.Sprintf("%s (%s)", node.KernelConf.OpConf.Name, kind),
				node.KernelConf.DType.String(), strings.Join(bns, "\n"))
		}
	}
	_, _ = fmt.Fprintln(w, seqs.t.Render())

	_, _ = fmt.Fprintln(w, titleStyle.Render("Streams"))
	streams := newTable([]string{"Stream", "Launched", "Retired", "Failed", "Rejected", "Arena"},
		lipgloss.Left, lipgloss.Right)
	for _, s := range result.stats {
		if s.NumLaunched == 0 && s.NumRejected == 0 {
			continue
		}
		streams.row(s.NumFailed > 0 || s.NumRejected > 0, streamName(s.DeviceType, s.DeviceIndex, s.Role),
			humanize.Comma(s.NumLaunched), humanize.Comma(s.NumRetired), humanize.Comma(s.NumFailed),
			humanize.Comma(s.NumRejected), humanize.Comma(int64(s.Capacity)))
	}
	_, _ = fmt.Fprintln(w, streams.t.Render())
}

// newProgress returns a progress bar on stderr for total instructions.
func newProgress(total int) progress {
	return &progressBar{bar: progressbar.NewOptions(total,
		progressbar.OptionSetDescription("Executing"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("instructions"),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
		progressbar.OptionSetWriter(os.Stderr),
	)}
}

type progressBar struct {
	bar *progressbar.ProgressBar
}

func (p *progressBar) Add(n int) { _ = p.bar.Add(n) }

func (p *progressBar) Finish() {
	_ = p.bar.Finish()
	_, _ = fmt.Fprintln(os.Stderr)
}
