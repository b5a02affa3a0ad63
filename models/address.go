package models

// AddressInfo is a reverse-geocoded label for a point.
type AddressInfo struct {
	PlaceName   string `json:"place_name"`
	FullAddress string `json:"full_address"`
	City        string `json:"city,omitempty"`
	State       string `json:"state,omitempty"`
}
