package cashdevice

// Route is the destination for accepted cash.
type Route int

const (
	RouteCashbox  Route = 0
	RouteRecycler Route = 1
)

// AuthenticateRequest is the body of /api/Users/Authenticate.
type AuthenticateRequest struct {
	Username string `json:"Username"`
	Password string `json:"Password"`
}

// AuthenticateResponse carries the bearer token for later calls.
type AuthenticateResponse struct {
	Token string `json:"token"`
}

// DenominationInhibit disables acceptance of one denomination.
type DenominationInhibit struct {
	Denomination int64 `json:"Denomination"`
	Inhibit      bool  `json:"Inhibit"`
}

// DenominationRoute sends one denomination to a route on acceptance.
type DenominationRoute struct {
	Denomination int64 `json:"Denomination"`
	Route        Route `json:"Route"`
}

// OpenConnectionRequest is the body of /api/CashDevice/OpenConnection.
type OpenConnectionRequest struct {
	DeviceID               string                `json:"DeviceID"`
	ComPort                string                `json:"ComPort"`
	SspAddress             int                   `json:"SspAddress"`
	EnableAcceptor         bool                  `json:"EnableAcceptor"`
	EnableAutoAcceptEscrow bool                  `json:"EnableAutoAcceptEscrow"`
	SetInhibits            []DenominationInhibit `json:"SetInhibits,omitempty"`
	SetRoutes              []DenominationRoute   `json:"SetRoutes,omitempty"`
}

// NewOpenConnectionRequest returns a request with acceptance and automatic
// escrow acceptance enabled.
func NewOpenConnectionRequest(deviceID string) OpenConnectionRequest {
	return OpenConnectionRequest{
		DeviceID:               deviceID,
		EnableAcceptor:         true,
		EnableAutoAcceptEscrow: true,
	}
}

// CurrencyAssignment is one entry of /api/CashDevice/GetCurrencyAssignment.
// Stored counts are pointers so that a missing field is not read as zero.
type CurrencyAssignment struct {
	Value           int64  `json:"Value"`
	CountryCode     string `json:"CountryCode"`
	Stored          *int64 `json:"Stored"`
	StoredInCashbox *int64 `json:"StoredInCashbox"`
	IsRecyclable    bool   `json:"IsRecyclable"`
	AcceptRoute     string `json:"AcceptRoute"`
}

// SetRouteRequest is the flat body of /api/CashDevice/SetDenominationRoute.
type SetRouteRequest struct {
	Value       int64  `json:"Value"`
	CountryCode string `json:"CountryCode"`
	Route       Route  `json:"Route"`
}

// DispenseRequest is the body of /api/CashDevice/DispenseValue.
type DispenseRequest struct {
	Value       int64  `json:"Value"`
	CountryCode string `json:"CountryCode"`
	Count       int    `json:"Count"`
}

// DispenseResponse reports how many units left the device.
type DispenseResponse struct {
	Dispensed int    `json:"Dispensed"`
	Error     string `json:"Error"`
}

// DeviceStatus is the body of /api/CashDevice/GetDeviceStatus.
type DeviceStatus struct {
	State      string `json:"State"`
	EscrowHeld *bool  `json:"EscrowHeld"`
}

// CountersResponse is the JSON form of /api/CashDevice/GetCounters.
type CountersResponse struct {
	Report string `json:"Report"`
}
