package infra

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"license-service/internal/domain"
)

const metricsNamespace = "license_service"

// Metrics はPrometheusのメトリクスを保持する。
type Metrics struct {
	registry *prometheus.Registry

	licensesSigned    *prometheus.CounterVec
	licensesValidated *prometheus.CounterVec
	admissions        *prometheus.CounterVec
	entitlementsSwept *prometheus.CounterVec
}

// NewMetrics は専用のレジストリにメトリクスを登録する。
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,
		licensesSigned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "licenses_signed_total",
			Help:      "Number of licenses signed",
		}, []string{"tenant_id", "product_id"}),
		licensesValidated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "licenses_validated_total",
			Help:      "Number of license validations by derived status",
		}, []string{"status", "cached"}),
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "admissions_total",
			Help:      "Number of activation and slot admission decisions",
		}, []string{"entitlement", "result"}),
		entitlementsSwept: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "entitlements_swept_total",
			Help:      "Number of activations and slots released by background sweeps",
		}, []string{"entitlement"}),
	}
	registry.MustRegister(m.licensesSigned, m.licensesValidated, m.admissions, m.entitlementsSwept)
	return m
}

// Registry はHTTPで公開するレジストリを返す。
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// LicenseSigned は署名件数を記録する。
func (m *Metrics) LicenseSigned(tenantID, productID string) {
	m.licensesSigned.WithLabelValues(tenantID, productID).Inc()
}

// LicenseValidated は検証結果の状態を記録する。
func (m *Metrics) LicenseValidated(status domain.LicenseStatus, cached bool) {
	c := "false"
	if cached {
		c = "true"
	}
	m.licensesValidated.WithLabelValues(string(status), c).Inc()
}

// AdmissionDecided は受け入れ判定の結果を記録する。
func (m *Metrics) AdmissionDecided(entitlement, result string) {
	m.admissions.WithLabelValues(entitlement, result).Inc()
}

// EntitlementsSwept はスイープで解放した件数を記録する。
func (m *Metrics) EntitlementsSwept(entitlement string, count int) {
	if count <= 0 {
		return
	}
	m.entitlementsSwept.WithLabelValues(entitlement).Add(float64(count))
}
