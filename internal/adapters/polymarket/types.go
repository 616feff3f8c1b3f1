package polymarket

import "encoding/json"

// DTOs raw de la API de Polymarket. Solo se usan dentro de este paquete.
// La conversión a domain entities se hace en mapping.go.

// --- CLOB API ---

// orderBookRequest es el body del POST /books batch.
type orderBookRequest struct {
	TokenID string `json:"token_id"`
}

// orderBookResponse es la respuesta de un item en POST /books.
type orderBookResponse struct {
	Market    string         `json:"market"`
	AssetID   string         `json:"asset_id"`
	Hash      string         `json:"hash"`
	Timestamp string         `json:"timestamp"` // unix millis as string
	Bids      []bookEntryRaw `json:"bids"`
	Asks      []bookEntryRaw `json:"asks"`
}

// bookEntryRaw es un nivel de precio raw de la API (strings para mayor precisión).
type bookEntryRaw struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// --- Gamma API ---

// gammaMarket contiene la metadata de un mercado.
// Gamma devuelve outcomes y clobTokenIds como arrays JSON serializados en string.
type gammaMarket struct {
	ID               string       `json:"id"`
	ConditionID      string       `json:"conditionId"`
	Question         string       `json:"question"`
	Description      string       `json:"description"`
	Slug             string       `json:"slug"`
	Category         string       `json:"category"`
	ResolutionSource string       `json:"resolutionSource"`
	EndDate          string       `json:"endDate"`
	EndDateISO       string       `json:"endDateIso"`
	Outcomes         string       `json:"outcomes"`
	ClobTokenIDs     string       `json:"clobTokenIds"`
	Volume24h        json.Number  `json:"volume24hr"`
	Active           bool         `json:"active"`
	Closed           bool         `json:"closed"`
	Archived         bool         `json:"archived"`
	Events           []gammaEvent `json:"events"`
	Tags             []gammaTag   `json:"tags"`
}

// gammaEvent agrupa mercados del mismo evento real.
type gammaEvent struct {
	ID    string `json:"id"`
	Slug  string `json:"slug"`
	Title string `json:"title"`
}

type gammaTag struct {
	Label string `json:"label"`
	Slug  string `json:"slug"`
}
