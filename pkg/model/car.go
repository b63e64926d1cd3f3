package model

// Cart is a physical go-kart, identified externally by its RFID tag
type Cart struct {
	ID      int        `json:"id"`
	RfidTag string     `json:"rfidTag"`
	Name    string     `json:"name"`
	Fuel    int        `json:"fuelLevel"` // 0..100
	Status  CartStatus `json:"status"`
}

// Usable reports if the cart may be handed out at all.
// Carts in maintenance or refueling are never free, regardless of assignments.
func (c *Cart) Usable() bool {
	return c.Status == CartAvailable || c.Status == CartInUse
}
