package validation

import (
	"errors"
	"testing"

	"github.com/usserj/tienda-orders/internal/model"
)

func TestNormalizeCart(t *testing.T) {
	tests := []struct {
		name    string
		lines   []model.CartLine
		want    []model.CartLine
		wantErr bool
	}{
		{
			name:    "empty cart",
			lines:   nil,
			wantErr: true,
		},
		{
			name:    "zero quantity",
			lines:   []model.CartLine{{ProductID: 1, Quantity: 0}},
			wantErr: true,
		},
		{
			name:    "negative quantity",
			lines:   []model.CartLine{{ProductID: 1, Quantity: -2}},
			wantErr: true,
		},
		{
			name:    "invalid product id",
			lines:   []model.CartLine{{ProductID: 0, Quantity: 1}},
			wantErr: true,
		},
		{
			name: "sorted ascending by product id",
			lines: []model.CartLine{
				{ProductID: 7, Quantity: 1},
				{ProductID: 2, Quantity: 3},
			},
			want: []model.CartLine{
				{ProductID: 2, Quantity: 3},
				{ProductID: 7, Quantity: 1},
			},
		},
		{
			name: "duplicates merged",
			lines: []model.CartLine{
				{ProductID: 5, Quantity: 1},
				{ProductID: 5, Quantity: 2},
			},
			want: []model.CartLine{{ProductID: 5, Quantity: 3}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeCart(tt.lines)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("NormalizeCart error: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d lines, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("line %d = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestNormalizeCartEmptyError(t *testing.T) {
	_, err := NormalizeCart(nil)
	if !errors.Is(err, ErrEmptyCart) {
		t.Fatalf("expected ErrEmptyCart, got %v", err)
	}
}
