/* ---------------------------------------------------------------------------
** This software is in the public domain, furnished "as is", without technical
** support, and with no warranty, express or implied, as to its usefulness for
** any purpose.
** -------------------------------------------------------------------------*/

package pipeline

import "github.com/mpromonet/gin-yoloseg/internal/postproc"

// AbnormalThreshold is the abnormal confidence above which a scan is
// reported as abnormal.
const AbnormalThreshold = 0.5

const (
	DiagnosisAbnormal = "ABNORMAL"
	DiagnosisNormal   = "Normal"
)

type Diagnosis struct {
	Label      string  `json:"label"`
	Confidence float32 `json:"confidence"`
}

// Diagnose summarizes detections. A weak abnormal detection is reported as
// normal with the complement of its confidence.
func Diagnose(detections []postproc.Detection) (Diagnosis, bool) {
	if len(detections) == 0 {
		return Diagnosis{}, false
	}
	var abnormal, normal float32
	for _, d := range detections {
		switch d.ClassID {
		case postproc.ClassAbnormal:
			if d.Confidence > abnormal {
				abnormal = d.Confidence
			}
		case postproc.ClassNormal:
			if d.Confidence > normal {
				normal = d.Confidence
			}
		}
	}
	if abnormal > AbnormalThreshold {
		return Diagnosis{Label: DiagnosisAbnormal, Confidence: abnormal}, true
	}
	if normal > 0 {
		return Diagnosis{Label: DiagnosisNormal, Confidence: normal}, true
	}
	return Diagnosis{Label: DiagnosisNormal, Confidence: 1 - abnormal}, true
}
