// Package resolver turns requirement strings into an ordered set of artifacts
// to install. Candidates come from repository index documents; units already
// installed on the node satisfy requirements before any index resource does,
// so an empty result means the requirements are already met.
//
// Requirements use the header syntax
//
//	namespace; key:=directive; key=attribute
//
// and capability matching uses LDAP filters such as
//
//	(&(edge.identity=com.example.sensor)(version>=1.2))
package resolver
