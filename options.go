package convq

type options struct {
	id        string
	pageCount int
}

// Option is a function that configures a single Submit call.
type Option func(*options)

// TaskID sets a custom ID for the task. If not provided, a random UUID will be generated.
func TaskID(id string) Option {
	return func(o *options) {
		o.id = id
	}
}

// PageCount declares the document's page count when the caller already knows
// it, so the page selection is bounds-checked before the task is created.
func PageCount(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.pageCount = n
		}
	}
}
