package wizard

// ReviewItem is one label/value line of the review page.
type ReviewItem struct {
	FieldID string `json:"field_id"`
	Label   string `json:"label"`
	Value   string `json:"value"`
}

// ReviewSection groups the review lines of one step.
type ReviewSection struct {
	Index      int          `json:"index"`
	StepID     string       `json:"step_id"`
	Title      string       `json:"title"`
	Completion int          `json:"completion"`
	Complete   bool         `json:"complete"`
	Items      []ReviewItem `json:"items"`
}

// Review lists every visible field of every data entry step with its
// display value. Hidden alternates never appear.
func (e *Engine) Review() []ReviewSection {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []ReviewSection
	for i := range e.schema.Steps {
		step := &e.schema.Steps[i]
		if step.IsReserved() {
			continue
		}
		fields := e.activeFields(i)
		if len(fields) == 0 {
			continue
		}
		sec := ReviewSection{
			Index:      i,
			StepID:     step.ID,
			Title:      step.Title,
			Completion: e.stepCompletion(i),
			Complete:   len(e.missingRequired(i)) == 0,
			Items:      make([]ReviewItem, 0, len(fields)),
		}
		for _, f := range fields {
			sec.Items = append(sec.Items, ReviewItem{FieldID: f.ID, Label: f.Label, Value: e.display(f)})
		}
		out = append(out, sec)
	}
	return out
}
