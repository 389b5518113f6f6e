package stats

import (
	"encoding/csv"
	"encoding/json"
	"os"
	"sort"
	"strconv"
	"strings"

	"banguard/internal/model"
)

// ExportJSON writes the snapshot to path with stable field order.
func ExportJSON(path string, snap model.StatsSnapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// ExportCSV writes one row per banned address: address, ban count and the
// jails that banned it, ordered by ban count descending.
func ExportCSV(path string, events []model.BanLifecycleEvent) error {
	counts := make(map[string]int)
	jails := make(map[string]map[string]struct{})
	for _, ev := range events {
		if ev.Type != model.EventBan {
			continue
		}
		counts[ev.Address]++
		if jails[ev.Address] == nil {
			jails[ev.Address] = make(map[string]struct{})
		}
		jails[ev.Address][ev.Jail] = struct{}{}
	}

	addrs := make([]string, 0, len(counts))
	for addr := range counts {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool {
		if counts[addrs[i]] != counts[addrs[j]] {
			return counts[addrs[i]] > counts[addrs[j]]
		}
		return addrs[i] < addrs[j]
	})

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"address", "ban_count", "jails"}); err != nil {
		return err
	}
	for _, addr := range addrs {
		names := make([]string, 0, len(jails[addr]))
		for jail := range jails[addr] {
			names = append(names, jail)
		}
		sort.Strings(names)
		if err := w.Write([]string{addr, strconv.Itoa(counts[addr]), strings.Join(names, ", ")}); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}
