package models

// FeatureCount is the fixed dimension of a FeatureVector.
const FeatureCount = 9

// FeatureNames lists feature fields in model input order.
var FeatureNames = [FeatureCount]string{
	"login_count_1h",
	"failed_login_rate_1h",
	"bytes_transferred_1h",
	"unique_dst_ips_1h",
	"dst_ip_entropy_1h",
	"unique_files_24h",
	"off_hours_ratio_24h",
	"privilege_change_flag",
	"geo_anomaly_score",
}

// FeatureVector is the behavioral feature set computed for one event.
type FeatureVector struct {
	LoginCount1h        float64 `json:"login_count_1h"`
	FailedLoginRate1h   float64 `json:"failed_login_rate_1h"`
	BytesTransferred1h  float64 `json:"bytes_transferred_1h"`
	UniqueDstIPs1h      float64 `json:"unique_dst_ips_1h"`
	DstIPEntropy1h      float64 `json:"dst_ip_entropy_1h"`
	UniqueFiles24h      float64 `json:"unique_files_24h"`
	OffHoursRatio24h    float64 `json:"off_hours_ratio_24h"`
	PrivilegeChangeFlag float64 `json:"privilege_change_flag"`
	GeoAnomalyScore     float64 `json:"geo_anomaly_score"`
}

// Values returns the vector in FeatureNames order.
func (f FeatureVector) Values() [FeatureCount]float64 {
	return [FeatureCount]float64{
		f.LoginCount1h,
		f.FailedLoginRate1h,
		f.BytesTransferred1h,
		f.UniqueDstIPs1h,
		f.DstIPEntropy1h,
		f.UniqueFiles24h,
		f.OffHoursRatio24h,
		f.PrivilegeChangeFlag,
		f.GeoAnomalyScore,
	}
}

// Map returns the vector keyed by feature name.
func (f FeatureVector) Map() map[string]float64 {
	vals := f.Values()
	out := make(map[string]float64, FeatureCount)
	for i, name := range FeatureNames {
		out[name] = vals[i]
	}
	return out
}
