package metrics

import "fmt"

// Event is a tagged scalar destined for the scalar log sink.
type Event struct {
	Tag   string
	Value float64
}

// Windows holds one Window per windowed metric of a split and the latest
// instantaneous value of every unwindowed metric.
type Windows struct {
	split   Split
	tracked []Metric
	windows map[Metric]*Window
	latest  Values
}

// NewWindows allocates the windows for split, each with the given capacity.
func NewWindows(split Split, capacity int) (*Windows, error) {
	tracked := split.Metrics()
	if tracked == nil {
		return nil, fmt.Errorf("unknown split %q", split)
	}
	if capacity <= 0 {
		return nil, fmt.Errorf("window capacity must be positive, got %d", capacity)
	}
	w := &Windows{
		split:   split,
		tracked: tracked,
		windows: make(map[Metric]*Window, len(tracked)),
		latest:  make(Values, len(tracked)),
	}
	for _, m := range tracked {
		if m.Windowed() {
			w.windows[m] = NewWindow(capacity)
		}
	}
	return w, nil
}

// Split returns the split the windows belong to.
func (w *Windows) Split() Split {
	return w.split
}

// Tracked returns the metrics tracked for the split, in logging order.
func (w *Windows) Tracked() []Metric {
	out := make([]Metric, len(w.tracked))
	copy(out, w.tracked)
	return out
}

// Window returns the window of m, or nil when m is not windowed or not tracked.
func (w *Windows) Window(m Metric) *Window {
	return w.windows[m]
}

// Latest returns the last raw value observed for m.
func (w *Windows) Latest(m Metric) (float64, bool) {
	v, ok := w.latest[m]
	return v, ok
}

// Update feeds one set of raw observations into the windows and returns the
// loggable events: the window mean for windowed metrics and the raw value for
// the learning rate. Every tracked metric must be present in raw; on error no
// window is modified.
func (w *Windows) Update(raw Values) ([]Event, error) {
	for _, m := range w.tracked {
		if _, ok := raw[m]; !ok {
			return nil, fmt.Errorf("%s: missing value for metric %s", w.split, m)
		}
	}

	events := make([]Event, 0, len(w.tracked))
	for _, m := range w.tracked {
		value := raw[m]
		w.latest[m] = value
		if win := w.windows[m]; win != nil {
			win.Add(value)
			value = win.Mean()
		}
		events = append(events, Event{Tag: w.split.Tag(m), Value: value})
	}
	return events, nil
}
