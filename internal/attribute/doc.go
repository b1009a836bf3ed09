// Package attribute models vendor-reported device attributes.
//
// An attribute is one typed property of an appliance: a boolean (power,
// child lock), a numeric range (target humidity) or an enumeration (fan speed
// levels, operating modes). Every attribute carries its valid domain, and every
// value stored in an attribute has been normalised against that domain.
//
// Attributes for one device live in an ordered Set. A Set is not safe for
// concurrent use; the state package guards each device's Set with its lane.
//
// Usage:
//
//	set := attribute.NewSet(
//	    attribute.Attribute{Key: "power", Kind: attribute.KindBoolean},
//	    attribute.Attribute{Key: "fan_speed_enum", Kind: attribute.KindEnumeration, Options: levels},
//	)
//	if _, err := set.SetValue("power", "on"); err != nil {
//	    // errors.Is(err, attribute.ErrInvalidValue)
//	}
package attribute
