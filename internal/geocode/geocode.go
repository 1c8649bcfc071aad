// Package geocode resolves free-text addresses to positions. Failures mean
// "position unknown", never a fatal error on the dispatch path.
package geocode

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/example/escrow-dispatch/internal/models"
)

// Geocoder is the collaborator contract.
type Geocoder interface {
	Resolve(address string) (models.Position, bool)
}

// HTTPGeocoder queries a Nominatim-compatible search endpoint.
type HTTPGeocoder struct {
	Endpoint string
	Client   *http.Client
}

func NewHTTPGeocoder(endpoint string) *HTTPGeocoder {
	return &HTTPGeocoder{Endpoint: endpoint, Client: &http.Client{Timeout: 2 * time.Second}}
}

func (g *HTTPGeocoder) Resolve(address string) (models.Position, bool) {
	u := fmt.Sprintf("%s/search?format=json&limit=1&q=%s", g.Endpoint, url.QueryEscape(address))
	resp, err := g.Client.Get(u)
	if err != nil {
		return models.Position{}, false
	}
	defer resp.Body.Close()
	var out []struct {
		Lat string `json:"lat"`
		Lon string `json:"lon"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || len(out) == 0 {
		return models.Position{}, false
	}
	lat, err1 := strconv.ParseFloat(out[0].Lat, 64)
	lon, err2 := strconv.ParseFloat(out[0].Lon, 64)
	if err1 != nil || err2 != nil {
		return models.Position{}, false
	}
	return models.Position{Lat: lat, Lon: lon, Timestamp: time.Now()}, true
}

// Nop always reports position unknown.
type Nop struct{}

func (Nop) Resolve(string) (models.Position, bool) { return models.Position{}, false }
