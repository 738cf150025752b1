package server

import "rerouteline/internal/domain"

type CreateRerouteRequest struct {
	ProductID   string `json:"product_id" minLength:"1" example:"sku-1042"`
	ProductName string `json:"product_name,omitempty" example:"Pallet jack"`
	From        string `json:"from,omitempty" doc:"Source warehouse; defaults to the path warehouse"`
	To          string `json:"to" example:"east"`
	Quantity    int    `json:"quantity" example:"50"`
	Reason      string `json:"reason,omitempty" example:"rebalancing"`
}

type RerouteList struct {
	Items []domain.Reroute `json:"items"`
}

type Inbox struct {
	Items  []domain.Notification `json:"items"`
	Unread int                   `json:"unread"`
}

type UnreadResponse struct {
	Unread int `json:"unread"`
}

type MarkAllReadResponse struct {
	Updated int64 `json:"updated"`
}

type ReplicaResponse struct {
	Applied bool `json:"applied"`
}

type WarehouseResponse struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Hosted bool   `json:"hosted" doc:"Served by this process"`
}

type WarehouseList struct {
	Items []WarehouseResponse `json:"items"`
}

type DevTokenRequest struct {
	Warehouse  string `json:"warehouse" example:"south"`
	TTLSeconds int    `json:"ttl_seconds,omitempty" minimum:"0"`
}

type DevTokenResponse struct {
	Token string `json:"token"`
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
