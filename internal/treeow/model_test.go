package treeow

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/treeow-bridge/internal/attribute"
)

func mustProperty(t *testing.T, raw string) Property {
	t.Helper()
	var p Property
	require.NoError(t, json.Unmarshal([]byte(raw), &p))
	return p
}

func TestParseProperty(t *testing.T) {
	snapshot := map[string]any{
		"power": true, "fan_speed_enum": 1, "pm25": 12, "filter_life": 80,
		"target_humidity": 50, "wifi_info": "x", "firmware": "1.0", "days_used": 3,
	}

	tests := []struct {
		name string
		raw  string
		ok   bool
		want attribute.Attribute
	}{
		{
			name: "writable boolean",
			raw:  `{"identifier":"power","title":"{\"zh\":\"开关\"}","access":"rw","schema":{"type":"boolean"}}`,
			ok:   true,
			want: attribute.Attribute{Key: "power", Name: "开关", Kind: attribute.KindBoolean},
		},
		{
			name: "writable enumeration",
			raw: `{"identifier":"fan_speed_enum","title":"{\"zh\":\"风速\"}","access":"rw",
				"schema":{"type":"integer","enum":[0,1,2],"enumDesc":["1gear","2gear","3gear"]}}`,
			ok: true,
			want: attribute.Attribute{
				Key: "fan_speed_enum", Name: "风速", Kind: attribute.KindEnumeration,
				Options: []attribute.Option{{Value: 0, Label: "1gear"}, {Value: 1, Label: "2gear"}, {Value: 2, Label: "3gear"}},
			},
		},
		{
			name: "writable range with string bounds",
			raw: `{"identifier":"target_humidity","title":"{\"zh\":\"目标湿度\"}","access":"rw",
				"schema":{"type":"Integer","minimum":"30","maximum":"80","step":5}}`,
			ok: true,
			want: attribute.Attribute{
				Key: "target_humidity", Name: "目标湿度", Kind: attribute.KindRange,
				Min: 30, Max: 80, Step: 5, Hints: attribute.SensorHints{Unit: "%"},
			},
		},
		{
			name: "pm25 sensor",
			raw:  `{"identifier":"pm25","title":"{\"zh\":\"PM2.5\"}","access":"r","schema":{"type":"integer","minimum":0,"maximum":999}}`,
			ok:   true,
			want: attribute.Attribute{
				Key: "pm25", Name: "PM2.5", Kind: attribute.KindRange, ReadOnly: true, Max: 999,
				Hints: attribute.SensorHints{StateClass: "measurement", DeviceClass: "pm25", Unit: "µg/m³"},
			},
		},
		{
			name: "lifetime sensor without bounds",
			raw:  `{"identifier":"filter_life","title":"{\"zh\":\"滤芯寿命\"}","access":"r","schema":{"type":"integer"}}`,
			ok:   true,
			want: attribute.Attribute{
				Key: "filter_life", Name: "滤芯寿命", Kind: attribute.KindRange, ReadOnly: true,
				Min: unboundedMin, Max: unboundedMax,
				Hints: attribute.SensorHints{DeviceClass: "battery", Unit: "%"},
			},
		},
		{
			name: "days sensor",
			raw:  `{"identifier":"days_used","title":"{\"zh\":\"累计使用天数\"}","access":"r","schema":{"type":"integer"}}`,
			ok:   true,
			want: attribute.Attribute{
				Key: "days_used", Name: "累计使用天数", Kind: attribute.KindRange, ReadOnly: true,
				Min: unboundedMin, Max: unboundedMax,
				Hints: attribute.SensorHints{StateClass: "measurement", DeviceClass: "duration", Unit: "d"},
			},
		},
		{
			name: "ignored identifier",
			raw:  `{"identifier":"wifi_info","title":"{}","access":"r","schema":{"type":"string"}}`,
		},
		{
			name: "absent from snapshot",
			raw:  `{"identifier":"child_lock","title":"{}","access":"rw","schema":{"type":"boolean"}}`,
		},
		{
			name: "string sensor has no attribute form",
			raw:  `{"identifier":"firmware","title":"{}","access":"r","schema":{"type":"string"}}`,
		},
		{
			name: "writable integer without step or enum",
			raw:  `{"identifier":"pm25","title":"{}","access":"rw","schema":{"type":"integer"}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseProperty(mustProperty(t, tt.raw), snapshot)
			require.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestProperty_DisplayNameFallback(t *testing.T) {
	p := Property{Identifier: "mode", Title: "not json"}
	assert.Equal(t, "mode", p.DisplayName())

	p.Title = `{"en":"Mode"}`
	assert.Equal(t, "mode", p.DisplayName())
}

func TestEnvelopeCheck(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{name: "meta ok", body: `{"meta":{"code":200,"message":"ok"}}`},
		{name: "meta string code", body: `{"meta":{"code":"200","message":"ok"}}`},
		{name: "meta failure", body: `{"meta":{"code":500,"message":"busy"}}`, wantErr: true},
		{name: "meta error text", body: `{"meta":{"code":200,"message":"internal error"}}`, wantErr: true},
		{name: "result ok", body: `{"result":{"code":200,"msg":"success"}}`},
		{name: "result failure", body: `{"result":{"code":401,"msg":"token expired"}}`, wantErr: true},
		{name: "top level ok", body: `{"code":200,"msg":"success"}`},
		{name: "top level failure", body: `{"code":400,"msg":"bad"}`, wantErr: true},
		{name: "missing code", body: `{}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeEnvelope([]byte(tt.body))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrAPI)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	_, err := decodeEnvelope([]byte("<html>"))
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestWireValue(t *testing.T) {
	assert.Equal(t, int64(3), wireValue(3.0))
	assert.Equal(t, 2.5, wireValue(2.5))
	assert.Equal(t, true, wireValue(true))
	assert.Equal(t, 2, wireValue(2))

	assert.True(t, sameWireValue(float64(3), int64(3)))
	assert.True(t, sameWireValue(1.0, true))
	assert.False(t, sameWireValue(false, true))
	assert.False(t, sameWireValue(2.0, int64(3)))
}
