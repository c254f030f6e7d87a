package downloader

import "slices"

// TargetPolicy lowers the completion target for recordings of selected services,
// whose streams are rarely complete upstream.
type TargetPolicy struct {
	ServiceIDs []int
	Percent    int
}

// TargetPercent returns the percentage of segments after which a download of a
// recording from serviceID counts as complete.
func (p TargetPolicy) TargetPercent(serviceID int) int {
	if p.Percent <= 0 || p.Percent >= 100 || serviceID == 0 {
		return 100
	}
	if slices.Contains(p.ServiceIDs, serviceID) {
		return p.Percent
	}
	return 100
}
