package courier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"courierhook/internal/types"
)

// SenderProfile identifies the shipper on every registration.
type SenderProfile struct {
	Name    string
	Phone   string
	Remarks string
}

// Fixed registration values: sender-paid guide, parcel shipment, drop-off at a
// branch (no pickup), public recipient, home delivery, one package.
const (
	guideTypeSenderPays   = "2"
	shipmentTypeParcel    = "1"
	recipientTypePublic   = "5"
	destinationOfficeNone = "0"
	deliveryToAddress     = "2"
	packageCount          = "1"
	packageDetail         = `[{"Cantidad":1,"Tipo":1}]`
	declaredValue         = "0"
)

// ErrMalformedGuide is returned by ParseGuideCode.
var ErrMalformedGuide = errors.New("malformed guide code")

// Registrar registers shipments with the courier.
type Registrar struct {
	client *Client
	sender SenderProfile
	logger *slog.Logger
}

// NewRegistrar creates a Registrar.
func NewRegistrar(client *Client, sender SenderProfile, logger *slog.Logger) *Registrar {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registrar{client: client, sender: sender, logger: logger}
}

type registerData struct {
	Guide        string `json:"K_Guia"`
	TrackingCode string `json:"Codigo_Rastreo"`
}

// Register submits the order's shipment under token. A courier-side rejection
// (non-zero result, or a success without a parseable guide code) is returned
// as a result with OK=false and the raw body; only transport failures return
// an error.
func (r *Registrar) Register(ctx context.Context, token string, order types.Order) (*types.ShipmentResult, error) {
	logger := types.LoggerFromContext(ctx, r.logger)

	if order.IsLocalPickup() {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidOrder, "order has no shipping address", nil)
	}

	env, body, err := r.client.get(ctx, r.client.register, endpointRegister, BuildRegistrationParams(token, order, r.sender))
	if err != nil {
		logger.ErrorContext(ctx, "shipment registration failed", "order_id", order.ID, "error", err)
		return nil, err
	}

	if !env.OK() {
		logger.InfoContext(ctx, "shipment registration rejected", "order_id", order.ID, "result", env.Result)
		return &types.ShipmentResult{OK: false, Raw: body}, nil
	}

	var data registerData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		logger.WarnContext(ctx, "shipment registration returned unexpected data", "order_id", order.ID, "error", err)
		return &types.ShipmentResult{OK: false, Raw: body}, nil
	}

	office, shipment, err := ParseGuideCode(data.Guide)
	if err != nil {
		logger.WarnContext(ctx, "shipment registration returned malformed guide", "order_id", order.ID, "guide", data.Guide)
		return &types.ShipmentResult{OK: false, Raw: body}, nil
	}

	logger.InfoContext(ctx, "shipment registered",
		"order_id", order.ID,
		"tracking_code", data.TrackingCode,
		"guide", data.Guide,
	)

	return &types.ShipmentResult{
		OK:           true,
		TrackingCode: data.TrackingCode,
		OfficeCode:   office,
		ShipmentCode: shipment,
		Customer:     types.NewCustomerDetails(order),
		LabelParams: types.LabelParams{
			OfficeCode:   office,
			ShipmentCode: shipment,
			SessionID:    token,
		},
		Raw: body,
	}, nil
}

// ParseGuideCode splits a guide code such as "170-3052882" into the office
// code and the shipment code.
func ParseGuideCode(s string) (office, shipment string, err error) {
	office, shipment, found := strings.Cut(strings.TrimSpace(s), "-")
	if !found || office == "" || shipment == "" {
		return "", "", fmt.Errorf("%w: %q", ErrMalformedGuide, s)
	}
	return office, shipment, nil
}

// BuildRegistrationParams maps an order and sender onto the flat parameter set
// of the registration endpoint.
func BuildRegistrationParams(token string, order types.Order, sender SenderProfile) url.Values {
	var addr types.ShippingAddress
	if order.ShippingAddress != nil {
		addr = *order.ShippingAddress
	}

	p := url.Values{}
	p.Set("ID_Sesion", token)
	p.Set("k_Tipo_guia", guideTypeSenderPays)
	p.Set("K_tipo_Envio", shipmentTypeParcel)
	p.Set("F_Recoleccion", "")
	p.Set("K_Domicilio_Recoleccion", "")
	p.Set("D_cliente_remitente", sender.Name)
	p.Set("Telefono_Remitente", sender.Phone)
	p.Set("K_Cliente_Destinatario", recipientTypePublic)
	p.Set("Cliente_Destinatario", addr.FullName())
	p.Set("Direccion_Destinatario", addr.DeliveryLine())
	p.Set("Telefono", addr.Phone)
	p.Set("Rut", "")
	p.Set("K_Oficina_Destino", destinationOfficeNone)
	p.Set("Entrega", deliveryToAddress)
	p.Set("Paquetes_Ampara", packageCount)
	p.Set("Detalle_Paquetes", packageDetail)
	p.Set("Observaciones", sender.Remarks)
	p.Set("CostoMercaderia", declaredValue)
	p.Set("Referencia_Pago", "")
	p.Set("CodigoPedido", "")
	p.Set("Serv_DDF", "")
	p.Set("Serv_Cita", "")
	p.Set("Latitud_Destino", "")
	p.Set("Longitud_Destino", "")
	return p
}
