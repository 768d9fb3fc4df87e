package domain

// UsageCalculation accumulates one product's usage for a single bucket.
//
// TOTAL receives every contribution; the category specific operations also
// add to their own category. Categories that never received a contribution
// stay absent.
type UsageCalculation struct {
	productID string
	totals    Measurements
}

func NewUsageCalculation(productID string) *UsageCalculation {
	return &UsageCalculation{
		productID: productID,
		totals:    Measurements{},
	}
}

func (c *UsageCalculation) ProductID() string {
	return c.productID
}

// AddToTotal adds to TOTAL only.
func (c *UsageCalculation) AddToTotal(cores, sockets, instances int) {
	c.add(MeasurementTypeTotal, cores, sockets, instances)
}

func (c *UsageCalculation) AddPhysical(cores, sockets, instances int) {
	c.add(MeasurementTypePhysical, cores, sockets, instances)
	c.AddToTotal(cores, sockets, instances)
}

func (c *UsageCalculation) AddHypervisor(cores, sockets, instances int) {
	c.add(MeasurementTypeHypervisor, cores, sockets, instances)
	c.AddToTotal(cores, sockets, instances)
}

// AddCloudProvider adds to the named cloud provider category and TOTAL.
// Non cloud categories are rejected with ErrInvalidCategory.
func (c *UsageCalculation) AddCloudProvider(t HardwareMeasurementType, cores, sockets, instances int) error {
	if !t.IsCloudProvider() {
		return ErrInvalidCategory
	}
	c.add(t, cores, sockets, instances)
	c.AddToTotal(cores, sockets, instances)
	return nil
}

// AddObservation dispatches an observation to the operation matching its category.
func (c *UsageCalculation) AddObservation(obs Observation) error {
	switch obs.Category {
	case MeasurementTypePhysical:
		c.AddPhysical(obs.Cores, obs.Sockets, obs.Instances)
		return nil
	case MeasurementTypeHypervisor:
		c.AddHypervisor(obs.Cores, obs.Sockets, obs.Instances)
		return nil
	default:
		return c.AddCloudProvider(obs.Category, obs.Cores, obs.Sockets, obs.Instances)
	}
}

// Totals returns the accumulated totals for t and false when t was never contributed to.
func (c *UsageCalculation) Totals(t HardwareMeasurementType) (Totals, bool) {
	return c.totals.Get(t)
}

// IsEmpty reports whether no contribution was made to any category.
func (c *UsageCalculation) IsEmpty() bool {
	return len(c.totals) == 0
}

// Measurements returns a copy of the accumulated categories.
func (c *UsageCalculation) Measurements() Measurements {
	return c.totals.Clone()
}

func (c *UsageCalculation) add(t HardwareMeasurementType, cores, sockets, instances int) {
	current := c.totals[t]
	c.totals[t] = current.Add(Totals{Cores: cores, Sockets: sockets, Instances: instances})
}
