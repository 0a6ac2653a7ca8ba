// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package kernel

import (
	"strconv"

	"gvisor.dev/vmcore/pkg/prometheus"
)

// Metrics exported by Snapshot.
var (
	framesMetric = &prometheus.Metric{
		Name: "frames",
		Type: prometheus.TypeGauge,
		Help: "Number of tracked frames by reference state.",
	}
	frameMappingsMetric = &prometheus.Metric{
		Name: "frame_mappings",
		Type: prometheus.TypeGauge,
		Help: "Sum of the reference counts of every tracked frame.",
	}
	arenaFramesMetric = &prometheus.Metric{
		Name: "arena_frames",
		Type: prometheus.TypeGauge,
		Help: "Number of arena frames by use.",
	}
	tasksMetric = &prometheus.Metric{
		Name: "tasks",
		Type: prometheus.TypeGauge,
		Help: "Number of registered tasks by status.",
	}
	grantsMetric = &prometheus.Metric{
		Name: "address_space_grants",
		Type: prometheus.TypeGauge,
		Help: "Number of grants in an address space.",
	}
	grantedPagesMetric = &prometheus.Metric{
		Name: "address_space_granted_pages",
		Type: prometheus.TypeGauge,
		Help: "Number of granted pages in an address space.",
	}
	mappedPagesMetric = &prometheus.Metric{
		Name: "address_space_mapped_pages",
		Type: prometheus.TypeGauge,
		Help: "Number of present user mappings in an address space.",
	}
	tablesMetric = &prometheus.Metric{
		Name: "address_space_page_tables",
		Type: prometheus.TypeGauge,
		Help: "Number of page table frames held by an address space.",
	}
)

// Snapshot returns the current memory metrics of k.
func (k *Kernel) Snapshot() *prometheus.Snapshot {
	s := prometheus.NewSnapshot()

	st := k.frames.Stats()
	for _, v := range []struct {
		state string
		n     uint64
	}{
		{"zero", st.Zero},
		{"one", st.One},
		{"cow", st.Cow},
		{"shared", st.Shared},
	} {
		s.Add(prometheus.LabeledIntData(framesMetric, map[string]string{"state": v.state}, int64(v.n)))
	}
	s.Add(prometheus.NewIntData(frameMappingsMetric, int64(st.Mappings)))

	u := k.mf.Usage()
	for _, v := range []struct {
		use string
		n   uint64
	}{
		{"reserved", u.Reserved},
		{"allocated", u.Allocated},
		{"free", u.Free},
	} {
		s.Add(prometheus.LabeledIntData(arenaFramesMetric, map[string]string{"use": v.use}, int64(v.n)))
	}

	byStatus := make(map[TaskStatus]int64)
	for _, t := range k.tasks.Tasks() {
		status, _ := t.Status()
		byStatus[status]++
	}
	for status := TaskRunnable; status <= TaskExited; status++ {
		s.Add(prometheus.LabeledIntData(tasksMetric, map[string]string{"status": status.String()}, byStatus[status]))
	}

	order, _ := k.spaces()
	for _, as := range order {
		labels := map[string]string{"as": strconv.FormatUint(as.ID(), 10)}
		au := as.Usage()
		s.Add(
			prometheus.LabeledIntData(grantsMetric, labels, int64(au.Grants)),
			prometheus.LabeledIntData(grantedPagesMetric, labels, int64(au.GrantedPages)),
			prometheus.LabeledIntData(mappedPagesMetric, labels, int64(au.MappedPages)),
			prometheus.LabeledIntData(tablesMetric, labels, int64(au.Tables)),
		)
	}
	return s
}
